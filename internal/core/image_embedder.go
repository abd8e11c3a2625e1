package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lexivion.com/docsearch/internal/apperr"
)

// HTTPImageEmbedder calls an image embedding service that accepts
// {"image_base64", "mime_type"} and answers {"embedding": [...]}.
type HTTPImageEmbedder struct {
	url    string
	client *http.Client
}

func NewHTTPImageEmbedder(url string, timeout time.Duration) *HTTPImageEmbedder {
	return &HTTPImageEmbedder{url: url, client: &http.Client{Timeout: timeout}}
}

type imageEmbeddingRequest struct {
	ImageBase64 string `json:"image_base64"`
	MIMEType    string `json:"mime_type"`
}

type imageEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPImageEmbedder) EmbedImage(ctx context.Context, data []byte, mimeType string) ([]float32, error) {
	body, err := json.Marshal(imageEmbeddingRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(data),
		MIMEType:    mimeType,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building image embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Transient("embed image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("image embedding service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, apperr.Transient("embed image", err)
		}
		return nil, err
	}

	var out imageEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding image embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("image embedding service returned an empty vector")
	}
	return out.Embedding, nil
}
