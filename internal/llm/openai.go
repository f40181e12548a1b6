package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"matchbot/pkg/logx"
)

const defaultBaseURL = "https://api.openai.com/v1"

type OpenAIConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	BaseURL        string
	RequestTimeout time.Duration
}

// OpenAI implements Caller against the Responses API (which carries
// conversational state server-side via previous_response_id) and Embedder
// against the embeddings endpoint.
type OpenAI struct {
	cfg  OpenAIConfig
	http *http.Client
	log  logx.Logger
}

func NewOpenAI(cfg OpenAIConfig, log logx.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{cfg: cfg, http: &http.Client{Timeout: timeout}, log: log}, nil
}

type responsesRequest struct {
	Model              string `json:"model"`
	Input              string `json:"input"`
	Instructions       string `json:"instructions,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

type responsesReply struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens        int `json:"input_tokens"`
		InputTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"input_tokens_details"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	body := responsesRequest{
		Model:              o.cfg.Model,
		Input:              req.Prompt,
		Instructions:       req.Instructions,
		PreviousResponseID: req.SessionID,
	}
	raw, status, err := o.post(ctx, "/responses", body)
	if err != nil {
		return Response{}, err
	}
	if status != http.StatusOK {
		return Response{}, classifyHTTPError(status, raw, req.SessionID != "")
	}

	var reply responsesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Response{}, fmt.Errorf("decode responses reply: %w", err)
	}

	var text strings.Builder
	for _, out := range reply.Output {
		if out.Type != "message" {
			continue
		}
		for _, c := range out.Content {
			if c.Type == "output_text" {
				text.WriteString(c.Text)
			}
		}
	}

	cached := reply.Usage.InputTokensDetails.CachedTokens
	return Response{
		Text:      text.String(),
		SessionID: reply.ID,
		Usage: Usage{
			CachedInputTokens:   cached,
			UncachedInputTokens: reply.Usage.InputTokens - cached,
			OutputTokens:        reply.Usage.OutputTokens,
		},
	}, nil
}

type embeddingsRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingsReply struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	raw, status, err := o.post(ctx, "/embeddings", embeddingsRequest{
		Model: o.cfg.EmbeddingModel,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("embeddings: provider returned %d: %s", status, snippet(raw))
	}
	var reply embeddingsReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode embeddings reply: %w", err)
	}
	if len(reply.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty data")
	}
	return reply.Data[0].Embedding, nil
}

func (o *OpenAI) post(ctx context.Context, path string, body any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}

// classifyHTTPError separates "provider discarded the referenced session"
// from every other provider failure. Only the known patterns count: a 404,
// or a 400 mentioning an expired container, and only when the request
// actually referenced a session.
func classifyHTTPError(status int, raw []byte, hadSession bool) error {
	msg := strings.ToLower(string(raw))
	if hadSession {
		if status == http.StatusNotFound ||
			(status == http.StatusBadRequest && strings.Contains(msg, "expired")) {
			return fmt.Errorf("provider returned %d: %s: %w", status, snippet(raw), ErrSessionExpired)
		}
	}
	return fmt.Errorf("provider returned %d: %s", status, snippet(raw))
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:297] + "..."
	}
	return s
}
