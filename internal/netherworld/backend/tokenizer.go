package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tokenizer is the tokenizer collaborator: it turns text into model tokens
// and back. The token measure only needs CountTokens; the token-stream
// payload encoding needs the full round trip.
//
// Implementations must be safe for concurrent use.
type Tokenizer interface {
	CountTokens(ctx context.Context, text string) (int, error)
	Encode(ctx context.Context, text string) ([]int, error)
	Decode(ctx context.Context, tokens []int) (string, error)
}

// RemoteTokenizer tokenizes via the backend's /tokenize and /detokenize
// endpoints. The backend already holds the model's tokenizer, so the front
// end never loads vocabulary files of its own.
type RemoteTokenizer struct {
	client *Client
}

// NewRemoteTokenizer returns a Tokenizer backed by the inference backend.
func NewRemoteTokenizer(client *Client) *RemoteTokenizer {
	return &RemoteTokenizer{client: client}
}

type tokenizeRequest struct {
	Text string `json:"text"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

type detokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

type detokenizeResponse struct {
	Text string `json:"text"`
}

// Encode implements Tokenizer.
func (t *RemoteTokenizer) Encode(ctx context.Context, text string) ([]int, error) {
	body, err := t.client.post(ctx, "/tokenize", tokenizeRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("backend: tokenize: %w", err)
	}
	var resp tokenizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("backend: decode tokenize response: %w", err)
	}
	return resp.Tokens, nil
}

// Decode implements Tokenizer.
func (t *RemoteTokenizer) Decode(ctx context.Context, tokens []int) (string, error) {
	body, err := t.client.post(ctx, "/detokenize", detokenizeRequest{Tokens: tokens})
	if err != nil {
		return "", fmt.Errorf("backend: detokenize: %w", err)
	}
	var resp detokenizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("backend: decode detokenize response: %w", err)
	}
	return resp.Text, nil
}

// CountTokens implements Tokenizer and memory.TokenCounter.
func (t *RemoteTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	tokens, err := t.Encode(ctx, text)
	if err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// HeuristicCounter estimates token counts at ~4 characters per token, the
// common English heuristic. It cannot encode or decode — it exists so the
// token measure has a local fallback for counting when no backend tokenizer
// is reachable and the operator prefers estimates over aborted turns.
type HeuristicCounter struct{}

// CountTokens implements memory.TokenCounter. It never fails.
func (HeuristicCounter) CountTokens(_ context.Context, text string) (int, error) {
	if len(text) == 0 {
		return 0, nil
	}
	return (len(text) + 3) / 4, nil
}
