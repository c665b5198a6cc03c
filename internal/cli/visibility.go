package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVisibilityCommand(opts *rootOptions) *cobra.Command {
	var (
		dataset string
		public  bool
	)

	cmd := &cobra.Command{
		Use:   "visibility",
		Short: "Make a dataset public or private",
		Long: `Public datasets can be searched by anonymous callers and, when they ask
for it, by other owners. Pass --public=false to make a dataset private again.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(cmd *cobra.Command, args []string) error {
			if err := opts.requireOwner(); err != nil {
				return err
			}
			backend, err := opts.services(cmd.Context())
			if err != nil {
				return err
			}
			ds, err := backend.SetVisibility(cmd.Context(), dataset, opts.owner, public)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, ds)
			}
			state := "private"
			if ds.Public {
				state = "public"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", ds.ID, state)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset to change")
	cmd.Flags().BoolVar(&public, "public", true, "make the dataset public")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}
