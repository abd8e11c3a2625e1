package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"lexivion.com/docsearch/internal/apperr"
	"lexivion.com/docsearch/internal/dedup"
)

type existingDocument struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
}

type exactConflictResponse struct {
	Error      string           `json:"error"`
	Existing   existingDocument `json:"existing"`
	CanReplace bool             `json:"can_replace"`
}

type normalizedConflictResponse struct {
	Type               dedup.Tier `json:"type"`
	ExistingDocumentID int64      `json:"existing_document_id"`
	ExistingFilename   string     `json:"existing_filename"`
	CanReplace         bool       `json:"can_replace"`
	SimilarityHint     string     `json:"similarity_hint"`
}

type semanticConflictResponse struct {
	Type       dedup.Tier        `json:"type"`
	Candidates []dedup.Candidate `json:"candidates"`
	CanReplace bool              `json:"can_replace"`
}

// conflictBody renders a duplicate verdict in the shape clients expect for
// its tier.
func conflictBody(m *dedup.Match) any {
	switch m.Tier {
	case dedup.TierNormalized:
		return normalizedConflictResponse{
			Type:               m.Tier,
			ExistingDocumentID: m.DocumentID,
			ExistingFilename:   m.Filename,
			CanReplace:         m.CanReplace,
			SimilarityHint:     "normalized",
		}
	case dedup.TierSemantic:
		return semanticConflictResponse{Type: m.Tier, Candidates: m.Candidates, CanReplace: m.CanReplace}
	default:
		return exactConflictResponse{
			Error:      "Document with identical content already exists",
			Existing:   existingDocument{ID: m.DocumentID, Filename: m.Filename},
			CanReplace: m.CanReplace,
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindOwnership:
		return http.StatusForbidden
	case apperr.KindDimensionMismatch:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps an error to its status and JSON body. Internal errors are
// logged and hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *dedup.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, conflictBody(conflict.Match))
		return
	}

	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if kind == apperr.KindInternal {
		log.Printf("Error handling %s %s: %v", r.Method, r.URL.Path, err)
		writeErrorMessage(w, status, "Internal server error")
		return
	}
	if status >= http.StatusInternalServerError {
		log.Printf("Error handling %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeErrorMessage(w, status, err.Error())
}
