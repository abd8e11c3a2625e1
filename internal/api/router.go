package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/auth/signup", apiHandler.SignupHandler)
		r.Post("/auth/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/upload", apiHandler.UploadHandler)
			r.Post("/search", apiHandler.SearchHandler)

			// Document routes
			r.Get("/documents", apiHandler.ListDocumentsHandler)
			r.Get("/documents/{docID}", apiHandler.GetDocumentHandler)
			r.Get("/documents/{docID}/file", apiHandler.DocumentFileHandler)
			r.Post("/documents/{docID}/replace", apiHandler.ReplaceDocumentHandler)
			r.Delete("/documents/{docID}", apiHandler.DeleteDocumentHandler)
		})
	})

	return r
}
