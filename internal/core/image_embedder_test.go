package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/apperr"
)

func TestHTTPImageEmbedder_EmbedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req imageEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		require.NoError(t, err)
		assert.Equal(t, "png bytes", string(data))
		assert.Equal(t, "image/png", req.MIMEType)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewEncoder(w).Encode(imageEmbeddingResponse{Embedding: []float32{0.5, 0.25}})
	}))
	defer srv.Close()

	vec, err := NewHTTPImageEmbedder(srv.URL, time.Second).EmbedImage(context.Background(), []byte("png bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestHTTPImageEmbedder_Errors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "busy", status)
			return
		}
		w.Write([]byte(`{"embedding":[]}`))
	}))
	defer srv.Close()
	embedder := NewHTTPImageEmbedder(srv.URL, time.Second)

	_, err := embedder.EmbedImage(context.Background(), []byte("x"), "image/png")
	assert.ErrorIs(t, err, apperr.ErrTransient)

	status = http.StatusBadRequest
	_, err = embedder.EmbedImage(context.Background(), []byte("x"), "image/png")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrTransient)
	assert.Contains(t, err.Error(), "busy")

	status = http.StatusOK
	_, err = embedder.EmbedImage(context.Background(), []byte("x"), "image/png")
	assert.ErrorContains(t, err, "empty vector")
}
