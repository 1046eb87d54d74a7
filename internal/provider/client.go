// Package provider is the transport to an OpenAI-compatible chat-completions
// endpoint. Both delivery modes go over the streaming wire format: the
// blocking call assembles the same server-sent-event frames the streaming
// call hands out one at a time.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const doneSentinel = "[DONE]"

// Message is one (role, content) pair of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chunk is the minimal shape of one incremental SSE frame.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StatusError captures non-2xx upstream responses with status-aware context.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// TokenStream is a lazy, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF once the terminal sentinel arrives or the connection
// closes; Close must be called when the consumer stops early.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

type Client struct {
	apiURL     string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

// WithTimeout bounds the whole exchange, connection through last frame.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(apiURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiURL:     strings.TrimSpace(apiURL),
		apiKey:     apiKey,
		timeout:    60 * time.Second,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream sends the conversation context plus prompt and returns the token
// stream. The context passed in governs the request; on top of it the
// configured timeout bounds the exchange so a stalled provider cannot hang
// the worker forever.
func (c *Client) Stream(ctx context.Context, model string, messages []Message) (TokenStream, error) {
	if model == "" {
		return nil, errors.New("provider: model must not be empty")
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("provider: request failed: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		cancel()
		return nil, &StatusError{
			StatusCode: res.StatusCode,
			URL:        c.apiURL,
			Body:       string(buf),
		}
	}

	return &sseStream{
		body:    res.Body,
		scanner: bufio.NewScanner(res.Body),
		cancel:  cancel,
		logger:  c.logger,
	}, nil
}

// Complete runs the same wire exchange as Stream and returns the fully
// assembled response text.
func (c *Client) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	stream, err := c.Stream(ctx, model, messages)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(fragment)
	}
}

// sseStream reads `data:`-prefixed frames off the response body. Frames are
// handed out strictly in wire order; there is no buffering beyond the line
// being parsed.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// Recv returns the next non-empty text delta. Malformed frames are skipped,
// not fatal. io.EOF signals the end of the stream.
func (s *sseStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			continue
		}
		if line == doneSentinel {
			return "", io.EOF
		}

		var ck chunk
		if err := json.Unmarshal([]byte(line), &ck); err != nil {
			s.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}
		if len(ck.Choices) == 0 {
			continue
		}
		if content := ck.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("provider: read stream: %w", err)
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}
