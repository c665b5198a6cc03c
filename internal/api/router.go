package api

import (
	"net/http"

	"embedbase/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, auth middleware.Authenticator) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	private := func(f http.HandlerFunc) http.Handler {
		return middleware.RequireAuth(auth)(f)
	}

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Dataset endpoints
	api.Handle("/datasets/{id}", private(h.EnsureDataset)).Methods("POST")
	api.Handle("/datasets/{id}/documents", private(h.IngestDocuments)).Methods("POST")
	api.Handle("/datasets/{id}/documents", private(h.ListDocuments)).Methods("GET")
	api.Handle("/datasets/{id}/visibility", private(h.SetVisibility)).Methods("PUT")
	api.Handle("/jobs/{id}", private(h.JobStatus)).Methods("GET")

	// Search is open to anonymous callers, who only see public datasets
	api.Handle("/search", middleware.OptionalAuth(auth)(http.HandlerFunc(h.Search))).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	r.Handle("/ws/events", private(h.Events))

	return r
}
