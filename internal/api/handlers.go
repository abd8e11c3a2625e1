package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/auth"
	"lexivion.com/docsearch/internal/core"
	"lexivion.com/docsearch/internal/store"
)

type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
}

type Ingester interface {
	Ingest(ctx context.Context, up core.Upload) (*core.IngestResult, error)
}

type Replacer interface {
	Replace(ctx context.Context, req core.ReplaceRequest) (*core.ReplaceResult, error)
}

type Searcher interface {
	Search(ctx context.Context, req core.SearchRequest) (*core.SearchResponse, error)
}

type Documents interface {
	List(ctx context.Context, ownerUserID int64) ([]core.DocumentSummary, error)
	Get(ctx context.Context, id, callerUserID int64) (*core.DocumentSummary, error)
	OpenFile(ctx context.Context, id, callerUserID int64) (io.ReadCloser, string, error)
	Delete(ctx context.Context, id, callerUserID int64) error
}

type Services struct {
	Users     UserStore
	Ingest    Ingester
	Replace   Replacer
	Search    Searcher
	Documents Documents
}

type APIHandler struct {
	Services
	jwtSecret      string
	tokenMaxAge    time.Duration
	maxUploadBytes int64
}

func NewAPIHandler(services Services, jwtSecret string, tokenMaxAge time.Duration, maxUploadBytes int64) *APIHandler {
	return &APIHandler{
		Services:       services,
		jwtSecret:      jwtSecret,
		tokenMaxAge:    tokenMaxAge,
		maxUploadBytes: maxUploadBytes,
	}
}

type ctxKey int

const userIDKey ctxKey = iota

func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		user, err := h.Users.GetUserByID(r.Context(), userID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %d: %v", userID, err)
			writeErrorMessage(w, http.StatusInternalServerError, "Failed to process user identity")
			return
		}
		if user == nil {
			writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return nil, false
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Email and password are required")
		return nil, false
	}
	return &req, true
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for %s: %v", req.Email, err)
		writeErrorMessage(w, http.StatusInternalServerError, "Failed to process password")
		return
	}

	user, err := h.Users.CreateUser(r.Context(), req.Email, hashedPassword)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			writeErrorMessage(w, http.StatusBadRequest, "User already exists")
			return
		}
		log.Printf("Error creating user %s: %v", req.Email, err)
		writeErrorMessage(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	h.writeToken(w, user)
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.Users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.Email, err)
		writeErrorMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		writeErrorMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	h.writeToken(w, user)
}

func (h *APIHandler) writeToken(w http.ResponseWriter, user *store.User) {
	token, err := auth.GenerateJWT(h.jwtSecret, user.ID, h.tokenMaxAge)
	if err != nil {
		log.Printf("Error generating JWT for user %d: %v", user.ID, err)
		writeErrorMessage(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

// multipartMemory is how much of a multipart body is kept in memory; the
// rest spills to temp files.
const multipartMemory = 8 << 20

// formFile reads the "file" part of a multipart upload.
func (h *APIHandler) formFile(w http.ResponseWriter, r *http.Request, op string) (io.ReadCloser, string, error) {
	if h.maxUploadBytes > 0 {
		// Slack for the multipart envelope; the pipeline enforces the exact limit.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", apperr.Validation(op, "file exceeds the %d byte upload limit", h.maxUploadBytes)
		}
		return nil, "", apperr.Validation(op, "invalid multipart body: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", apperr.Validation(op, "no file part")
	}
	return file, header.Filename, nil
}

func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	file, filename, err := h.formFile(w, r, "upload")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	result, err := h.Ingest.Ingest(r.Context(), core.Upload{
		OwnerUserID: userID,
		Filename:    filename,
		Content:     file,
		Override:    parseFlag(r.FormValue("override")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func documentID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "docID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("document", "invalid document id %q", chi.URLParam(r, "docID"))
	}
	return id, nil
}

func (h *APIHandler) ReplaceDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	docID, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	file, filename, err := h.formFile(w, r, "replace")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	result, err := h.Replace.Replace(r.Context(), core.ReplaceRequest{
		DocumentID:   docID,
		CallerUserID: userID,
		Filename:     filename,
		Content:      file,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type searchRequest struct {
	Query       string  `json:"query"`
	TopK        *int    `json:"top_k,omitempty"`
	DocumentIDs []int64 `json:"document_ids,omitempty"`
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.Search.Search(r.Context(), core.SearchRequest{
		OwnerUserID: userID,
		Query:       req.Query,
		TopK:        req.TopK,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	docs, err := h.Documents.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *APIHandler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	docID, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := h.Documents.Get(r.Context(), docID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *APIHandler) DocumentFileHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	docID, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc, filename, err := h.Documents.OpenFile(r.Context(), docID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("Error streaming document %d: %v", docID, err)
	}
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	docID, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.Documents.Delete(r.Context(), docID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
