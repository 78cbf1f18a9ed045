package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/stream"
)

const (
	glmDefaultBaseURL = "https://api.z.ai/api/anthropic/v1"
	glmDefaultModel   = "glm-4.7"
	anthropicVersion  = "2023-06-01"
)

// GLMClient talks to the Z.AI Anthropic-compatible API directly and feeds
// the raw response bytes through the stream decoder.
type GLMClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

// NewGLMClient requires ZAI_API_KEY or GLM_API_KEY to be set.
func NewGLMClient(baseURL, model string) (*GLMClient, error) {
	apiKey := os.Getenv("ZAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GLM_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("ZAI_API_KEY or GLM_API_KEY environment variable not set")
	}
	if baseURL == "" {
		baseURL = glmDefaultBaseURL
	}
	if model == "" {
		model = glmDefaultModel
	}
	return &GLMClient{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
	}, nil
}

// Stream sends the conversation and decodes the SSE response incrementally,
// emitting each decode event as soon as its bytes arrive.
func (c *GLMClient) Stream(ctx context.Context, req Request, emit func(stream.Event)) error {
	payload := map[string]any{
		"model":      c.model,
		"messages":   anthropicMessages(req.Turns),
		"max_tokens": req.maxTokens(),
		"stream":     true,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if ts := anthropicTools(req.Tools); ts != nil {
		payload["tools"] = ts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "build request")
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.WrapKind(err, errors.KindConnection, "request to %s failed", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.NewKind(errors.KindConnection, "API error (%d): %s", resp.StatusCode, detail)
	}

	dec := stream.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				emit(ev)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WrapKind(readErr, errors.KindConnection, "response stream interrupted")
		}
	}

	if !dec.Finished() {
		// The server hung up mid-turn; close the turn so the loop can
		// treat what arrived as a complete (if truncated) response. The
		// leading newline terminates any partial line still buffered,
		// otherwise the sentinel would concatenate onto it.
		for _, ev := range dec.Feed([]byte("\ndata: [DONE]\n")) {
			emit(ev)
		}
	}
	return nil
}
