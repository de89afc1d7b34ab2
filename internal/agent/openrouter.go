package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/datachat-io/datachat/internal/checkpoint"
)

// OpenRouterRunner answers the prompt with a single chat completion and
// persists the run as two checkpoints: the incoming prompt, then the final
// answer. It stands in for the full reasoning graph in direct-answer mode.
type OpenRouterRunner struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client

	Store checkpoint.Store
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model    string          `json:"model"`
	Messages []openRouterMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterRunner(baseURL, apiKey, model string, store checkpoint.Store) *OpenRouterRunner {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterRunner{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
		Store:   store,
	}
}

func (r *OpenRouterRunner) Run(ctx context.Context, req RunRequest) error {
	if r.Store == nil {
		return errors.New("openrouter: checkpoint store is nil")
	}

	// Checkpoint 1: the raw user prompt, recorded as a start write so the
	// reconstructor can recover it later.
	cfg, err := r.Store.Put(ctx,
		checkpoint.Config{ThreadID: req.ThreadID},
		&checkpoint.Checkpoint{ChannelValues: map[string]any{"prompt": req.Prompt}},
		&checkpoint.Metadata{
			Source: "input",
			Writes: map[string]map[string]any{
				"__start__": {"prompt": req.Prompt},
			},
		},
	)
	if err != nil {
		return err
	}

	answer, err := r.complete(ctx, req.Prompt)
	if err != nil {
		return err
	}

	// Checkpoint 2: the final answer, parented on the prompt checkpoint.
	cfg, err = r.Store.Put(ctx,
		cfg,
		&checkpoint.Checkpoint{ChannelValues: map[string]any{
			"prompt":       req.Prompt,
			"final_answer": answer,
		}},
		&checkpoint.Metadata{
			Source: "loop",
			Step:   1,
			Writes: map[string]map[string]any{
				"submit_final_answer": {"final_answer": answer},
			},
		},
	)
	if err != nil {
		return err
	}

	return r.Store.PutWrites(ctx, cfg,
		[]checkpoint.Write{{Channel: "final_answer", Value: answer}},
		req.RunID,
	)
}

func (r *OpenRouterRunner) complete(ctx context.Context, prompt string) (string, error) {
	if r.Client == nil {
		return "", errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return "", errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(r.Model)
	if model == "" {
		return "", errors.New("openrouter: model is required")
	}

	b, err := json.Marshal(openRouterChatReq{
		Model:    model,
		Stream:   false,
		Messages: []openRouterMsg{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(r.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.APIKey)

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("openrouter: %s", msg)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}
