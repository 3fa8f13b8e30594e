package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mindforge/internal/config"
)

// Sentinel errors for the gateway failure modes callers can act on.
var (
	// ErrRateLimited signals an upstream 429. The caller should retry later.
	ErrRateLimited = errors.New("model gateway rate limit exceeded")
	// ErrQuotaExhausted signals an upstream 402. Retrying will not help
	// until credits are added.
	ErrQuotaExhausted = errors.New("model gateway credits exhausted")
)

// ChatMessage is one entry of the outgoing completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from the gateway section of the config. The
// underlying HTTP client carries no overall timeout because the response is
// a long-lived stream; cancellation comes from the request context.
func NewClient(cfg config.GatewayConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
	}
}

// StreamChat posts the transcript with the system prompt prepended and feeds
// every text delta to onDelta in arrival order. It returns the accumulated
// response text. On a mid-stream failure the text gathered so far is returned
// alongside the error, so callers can keep the partial response visible.
//
// An onDelta error aborts the stream and is returned as-is.
func (c *Client) StreamChat(ctx context.Context, systemPrompt string, msgs []ChatMessage, onDelta func(delta string) error) (string, error) {
	payload := chatRequest{Model: c.model, Stream: true}
	payload.Messages = append(payload.Messages, ChatMessage{Role: "system", Content: systemPrompt})
	payload.Messages = append(payload.Messages, msgs...)

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return "", ErrRateLimited
		case http.StatusPaymentRequired:
			return "", ErrQuotaExhausted
		default:
			return "", fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		}
	}

	parser := NewParser()
	var full strings.Builder
	emit := func(deltas []string) error {
		for _, d := range deltas {
			full.WriteString(d)
			if onDelta != nil {
				if err := onDelta(d); err != nil {
					return err
				}
			}
		}
		return nil
	}

	buf := make([]byte, 4096)
	for !parser.Done() {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := emit(parser.Feed(buf[:n])); err != nil {
				return full.String(), err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return full.String(), fmt.Errorf("read gateway stream: %w", readErr)
		}
	}

	if !parser.Done() {
		// The connection closed without the terminal sentinel. Settle the
		// remaining buffered lines, then decide: a stream that produced
		// content completed gracefully, one that produced nothing did not.
		if err := emit(parser.Flush()); err != nil {
			return full.String(), err
		}
		if full.Len() == 0 {
			return "", errors.New("gateway stream ended before any content")
		}
	}
	return full.String(), nil
}
