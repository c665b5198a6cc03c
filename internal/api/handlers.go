package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"embedbase/internal/apperrors"
	"embedbase/internal/middleware"
	"embedbase/internal/models"
	"embedbase/internal/services"

	"github.com/gorilla/mux"
)

// MaxUploadBytes bounds a document upload, JSON or multipart.
const MaxUploadBytes = 10 << 20

// Set on every chunk of an uploaded file.
const (
	MetadataFileName = "file_name"
	MetadataMimeType = "mime_type"
	MetadataSize     = "size"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	ingester Ingester
	searcher Searcher
	datasets DatasetManager
	events   EventStream
}

func NewHandler(ingester Ingester, searcher Searcher, datasets DatasetManager, events EventStream) *Handler {
	return &Handler{
		ingester: ingester,
		searcher: searcher,
		datasets: datasets,
		events:   events,
	}
}

// Document handlers

type ingestBody struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// partialFailureBody is the 207 response: the error envelope plus what was
// written before the failed batches.
type partialFailureBody struct {
	Error apperrors.Detail `json:"error"`
	*services.UpsertResult
}

// IngestDocuments chunks, embeds and stores a text. The text comes either as
// JSON {text, metadata} or as a plain text multipart "file".
func (h *Handler) IngestDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := services.IngestRequest{
		DatasetID: mux.Vars(r)["id"],
		OwnerID:   middleware.OwnerID(ctx),
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	text, metadata, err := readUpload(r)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		apperrors.WriteHTTP(w, err)
		return
	}
	req.Text = text
	req.Metadata = metadata

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		jobID, err := h.ingester.Submit(ctx, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id":     jobID,
			"status_url": "/api/jobs/" + jobID,
		})
		return
	}

	result, err := h.ingester.Ingest(ctx, req)
	if err != nil {
		var pf *apperrors.PartialFailureError
		if errors.As(err, &pf) && result != nil {
			log.Printf("[%s] ⚠️  partial ingest into %s: %v", middleware.GetRequestID(ctx), req.DatasetID, err)
			writeJSON(w, http.StatusMultiStatus, partialFailureBody{
				Error:        apperrors.NewDetail(err),
				UpsertResult: result,
			})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// readUpload extracts the text and metadata from a JSON or multipart body.
func readUpload(r *http.Request) (string, map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
			return "", nil, uploadError(err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, apperrors.Validation("multipart upload needs a \"file\" field")
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return "", nil, uploadError(err)
		}
		if !isPlainText(data) {
			return "", nil, apperrors.Validation("only plain text files are accepted, got %s",
				http.DetectContentType(data))
		}

		metadata := map[string]any{}
		if raw := r.FormValue("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				return "", nil, apperrors.Validation("metadata must be a JSON object")
			}
		}
		metadata[MetadataFileName] = header.Filename
		metadata[MetadataMimeType] = http.DetectContentType(data)
		metadata[MetadataSize] = len(data)
		return string(data), metadata, nil
	}

	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", nil, uploadError(err)
	}
	return body.Text, maps.Clone(body.Metadata), nil
}

func isPlainText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(data), "text/") && utf8.Valid(data)
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.InputTooLarge("upload exceeds %d bytes", tooLarge.Limit)
	}
	return apperrors.Validation("invalid request body")
}

// EnsureDataset creates an empty dataset.
func (h *Handler) EnsureDataset(w http.ResponseWriter, r *http.Request) {
	result, err := h.ingester.EnsureDataset(r.Context(), mux.Vars(r)["id"], middleware.OwnerID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Dataset handlers

type visibilityBody struct {
	Public *bool `json:"public"`
}

func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var body visibilityBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil || body.Public == nil {
		writeError(w, r, apperrors.Validation("body must be {\"public\": true|false}"))
		return
	}

	ds, err := h.datasets.SetVisibility(r.Context(), mux.Vars(r)["id"], middleware.OwnerID(r.Context()), *body.Public)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := h.datasets.ListDocuments(r.Context(), mux.Vars(r)["id"], middleware.OwnerID(r.Context()), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := h.ingester.JobStatus(id, middleware.OwnerID(r.Context()))
	if !ok {
		writeError(w, r, apperrors.NotFound("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Search handlers

type searchBody struct {
	Query         string          `json:"query"`
	DatasetIDs    []string        `json:"dataset_ids"`
	TopK          int             `json:"top_k"`
	Where         json.RawMessage `json:"where"`
	Threshold     *float32        `json:"threshold"`
	IncludePublic bool            `json:"include_public"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, r, uploadError(err))
		return
	}

	filter, err := models.ParseWhere(body.Where)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := h.searcher.Search(r.Context(), services.SearchRequest{
		Query:         body.Query,
		DatasetIDs:    body.DatasetIDs,
		OwnerID:       middleware.OwnerID(r.Context()),
		IncludePublic: body.IncludePublic,
		Filter:        filter,
		TopK:          body.TopK,
		Threshold:     body.Threshold,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Event stream

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.events.ServeWS(w, r)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// helpers

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("%s must be an integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError logs the full chain, cause included, and sends only the public
// part to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	middleware.AddSpanError(ctx, err)
	if status := apperrors.HTTPStatus(err); status >= http.StatusInternalServerError {
		log.Printf("[%s] ❌ %s %s: %s", middleware.GetRequestID(ctx), r.Method, r.URL.Path, describe(err))
	}
	apperrors.WriteHTTP(w, err)
}

func describe(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Unwrap() != nil {
		return fmt.Sprintf("%v (cause: %v)", err, appErr.Unwrap())
	}
	return err.Error()
}
