package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"lexivion.com/docsearch/internal/retrieval"
)

const (
	defaultChatModelName      = "gemini-2.0-flash"
	defaultEmbeddingModelName = "text-embedding-004"

	answerSystemInstruction = "You are an enterprise document assistant. Answer only from the provided context segments. " +
		"If the context does not contain the answer, say so explicitly. Do not make up information."

	noContextAnswer = "No relevant context was retrieved, so I cannot answer the question."
)

// TextEmbedder turns texts into vectors, one per input, in order.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

// ImageEmbedder turns an image into a vector. Optional: without one, page
// images are not stored.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, data []byte, mimeType string) ([]float32, error)
}

// AnswerGenerator writes an answer from ranked context segments.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, segments []retrieval.Segment) (*Answer, error)
	Model() string
}

type Section struct {
	Title    string  `json:"title"`
	ChunkIDs []int64 `json:"chunk_ids"`
	Text     string  `json:"text"`
}

type Answer struct {
	Answer   string    `json:"answer"`
	Sections []Section `json:"sections"`
	Source   string    `json:"source"`
}

type LLMService struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
}

func NewLLMService(ctx context.Context, apiKey, chatModel, embeddingModel string) (*LLMService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if chatModel == "" {
		chatModel = defaultChatModelName
	}
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModelName
	}
	return &LLMService{client: client, chatModel: chatModel, embeddingModel: embeddingModel}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (s *LLMService) Model() string          { return s.chatModel }
func (s *LLMService) EmbeddingModel() string { return s.embeddingModel }

func (s *LLMService) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := s.client.EmbeddingModel(s.embeddingModel)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("no embedding data received from gemini for text %d", i)
		}
		out[i] = e.Values
	}
	return out, nil
}

func buildAnswerPrompt(question string, segments []retrieval.Segment) string {
	var parts []string
	for _, seg := range segments {
		content := strings.TrimSpace(seg.Content)
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[Chunk ID: %d, Page: %d]\n%s", seg.ChunkID, seg.PageNumber, content))
	}

	var b strings.Builder
	b.WriteString("Context segments:\n")
	b.WriteString(strings.Join(parts, "\n\n---\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString(`

Instructions:
- Use only the information from the context segments above
- Return a JSON object with this exact structure:
{
  "answer": "<overall response based on the context>",
  "sections": [
    {
      "title": "<short heading for this section>",
      "chunk_ids": [<chunk_id_numbers_as_integers>],
      "text": "<detailed explanation using the referenced chunks>"
    }
  ]
}
- Only reference chunk_ids that appear in the context segments
- If information is missing, state that explicitly`)
	return b.String()
}

func (s *LLMService) GenerateAnswer(ctx context.Context, question string, segments []retrieval.Segment) (*Answer, error) {
	if len(segments) == 0 {
		return NoContextAnswer(), nil
	}

	model := s.client.GenerativeModel(s.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(answerSystemInstruction)},
	}
	model.SetTemperature(0.25)
	model.SetTopP(0.9)
	model.SetTopK(64)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(buildAnswerPrompt(question, segments)))
	if err != nil {
		return nil, fmt.Errorf("gemini answer generation failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned an empty response")
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			raw.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}
	answer, err := parseAnswer(raw.String())
	if err != nil {
		return nil, err
	}
	answer.Source = "gemini"
	return answer, nil
}

// parseAnswer decodes the model's JSON, tolerating a markdown code fence and
// chunk ids sent as strings.
func parseAnswer(raw string) (*Answer, error) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		body = strings.TrimPrefix(body, "json")
		if end := strings.Index(body, "```"); end >= 0 {
			text = strings.TrimSpace(body[:end])
		}
	}
	if text == "" {
		return nil, fmt.Errorf("gemini returned empty text")
	}

	var decoded struct {
		Answer   string `json:"answer"`
		Sections []struct {
			Title    string `json:"title"`
			ChunkIDs []any  `json:"chunk_ids"`
			Text     string `json:"text"`
		} `json:"sections"`
	}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse gemini JSON response: %w", err)
	}

	answer := &Answer{Answer: decoded.Answer, Sections: make([]Section, 0, len(decoded.Sections))}
	for _, sec := range decoded.Sections {
		section := Section{Title: sec.Title, Text: sec.Text, ChunkIDs: []int64{}}
		for _, id := range sec.ChunkIDs {
			switch v := id.(type) {
			case float64:
				section.ChunkIDs = append(section.ChunkIDs, int64(v))
			case string:
				if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
					section.ChunkIDs = append(section.ChunkIDs, n)
				}
			}
		}
		answer.Sections = append(answer.Sections, section)
	}
	return answer, nil
}

func NoContextAnswer() *Answer {
	return &Answer{Answer: noContextAnswer, Sections: []Section{}, Source: "retriever"}
}

// FallbackAnswer is the deterministic answer used when no generator is
// configured: the retrieved context itself, one section per segment.
func FallbackAnswer(question string, segments []retrieval.Segment) *Answer {
	var contents []string
	sections := make([]Section, 0, len(segments))
	for i, seg := range segments {
		if seg.Content != "" {
			contents = append(contents, seg.Content)
		}
		sections = append(sections, Section{
			Title:    fmt.Sprintf("Context Segment %d", i+1),
			ChunkIDs: []int64{seg.ChunkID},
			Text:     seg.Content,
		})
	}
	answer := "Answer generation is disabled, so this response is the retrieved context.\n\n" +
		"Question: " + question + "\n\nContext:\n" + strings.Join(contents, "\n\n")
	return &Answer{Answer: answer, Sections: sections, Source: "fallback"}
}
