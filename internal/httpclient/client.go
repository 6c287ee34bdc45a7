package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bc-dunia/inferharness/internal/types"
)

// Config holds the server-facing settings that are fixed for the whole
// run (spec.md §6 "server" block) plus the streaming flag from "api".
type Config struct {
	BaseURL   string
	ModelName string
	APIKey    string
	IgnoreEOS bool
	Streaming bool
	Headers   map[string]string

	RequestTimeout time.Duration
}

// Client is the worker.Adapter implementation: one Client is shared by a
// single worker goroutine and owns that worker's persistent HTTP
// connection pool, so connection reuse is scoped per-worker the same way
// the teacher scopes one transport session per VU.
type Client struct {
	cfg Config
	hc  *http.Client

	// now reports seconds elapsed since the caller-level reference clock;
	// shared with the worker so token ticks land on the same timeline as
	// ScheduledTs/StartTs/EndTs.
	now func() float64
}

// New builds a Client with its own *http.Transport, so per-worker
// connection pooling (and worker_max_tcp_connections) can be enforced by
// capping MaxConnsPerHost.
func New(cfg Config, maxConnsPerHost int, now func() float64) *Client {
	tr := &http.Transport{
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConnsPerHost: maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Transport: tr},
		now: now,
	}
}

type completionRequestBody struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	IgnoreEOS bool   `json:"ignore_eos"`
	Stream    bool   `json:"stream"`
}

type chatRequestBody struct {
	Model     string              `json:"model"`
	Messages  []types.ChatMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens"`
	IgnoreEOS bool                `json:"ignore_eos"`
	Stream    bool                `json:"stream"`
}

func (c *Client) buildPayload(spec types.RequestSpec) (path string, body []byte, err error) {
	switch spec.API {
	case types.APICompletion:
		b := completionRequestBody{
			Model:     c.cfg.ModelName,
			Prompt:    spec.Prompt,
			MaxTokens: spec.MaxTokens,
			IgnoreEOS: c.cfg.IgnoreEOS,
			Stream:    c.cfg.Streaming,
		}
		body, err = json.Marshal(b)
		return "/v1/completions", body, err
	case types.APIChat:
		b := chatRequestBody{
			Model:     c.cfg.ModelName,
			Messages:  spec.Messages,
			MaxTokens: spec.MaxTokens,
			IgnoreEOS: c.cfg.IgnoreEOS,
			Stream:    c.cfg.Streaming,
		}
		body, err = json.Marshal(b)
		return "/v1/chat/completions", body, err
	default:
		return "", nil, fmt.Errorf("unknown api type %q", spec.API)
	}
}

// nonStreamResponse is the OpenAI-compatible completion/chat response
// shape used when stream=false.
type nonStreamResponse struct {
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Do issues one request and returns its LifecycleRecord. It never returns
// an error itself: every failure is captured inside the record's Error
// field, per spec.md §7's "workers never let exceptions escape the
// per-request task" propagation policy.
func (c *Client) Do(ctx context.Context, sreq types.ScheduledRequest, startTs float64) types.LifecycleRecord {
	rec := types.LifecycleRecord{
		StageID:     sreq.StageID,
		ScheduledTs: sreq.ScheduledTs,
		StartTs:     startTs,
	}

	path, payload, err := c.buildPayload(sreq.Spec)
	if err != nil {
		rec.EndTs = c.now()
		rec.Error = &types.RequestError{Kind: KindProtocol, Message: err.Error()}
		return rec
	}
	rec.RequestPayload = string(payload)

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	tracker := newPhaseTracker()
	reqCtx = withPhaseTrace(reqCtx, tracker)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		rec.EndTs = c.now()
		rec.Error = &types.RequestError{Kind: KindProtocol, Message: err.Error()}
		return rec
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		rec.EndTs = c.now()
		rec.Error = mapError(err)
		rec.PhaseTiming = tracker.compute(time.Now())
		return rec
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		rec.EndTs = c.now()
		rec.Error = &types.RequestError{
			Kind:    KindHTTPStatus,
			Message: fmt.Sprintf("server returned HTTP %d", resp.StatusCode),
		}
		rec.PhaseTiming = tracker.compute(time.Now())
		return rec
	}

	if c.cfg.Streaming {
		sres := consumeSSE(resp.Body, c.now)
		end := time.Now()
		rec.EndTs = c.now()
		rec.PhaseTiming = tracker.compute(end)
		rec.Stream = &sres.signals
		rec.ResponsePayload = sres.responseText
		rec.Info = types.InferenceInfo{
			InputTokens:   estimateInputTokens(sreq.Spec),
			OutputTokens:  estimateTokenCount(sres.responseText),
			OutputTokenTs: sres.tokenTs,
			Adapter:       sreq.Adapter,
		}
		if sres.err != nil {
			rec.Error = &types.RequestError{Kind: KindProtocol, Message: sres.err.Error()}
		}
		return rec
	}

	raw, err := io.ReadAll(resp.Body)
	end := time.Now()
	rec.EndTs = c.now()
	rec.PhaseTiming = tracker.compute(end)
	if err != nil {
		rec.Error = mapError(err)
		return rec
	}

	var decoded nonStreamResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		rec.Error = &types.RequestError{Kind: KindProtocol, Message: "malformed response body: " + err.Error()}
		return rec
	}

	text := ""
	if len(decoded.Choices) > 0 {
		if decoded.Choices[0].Message.Content != "" {
			text = decoded.Choices[0].Message.Content
		} else {
			text = decoded.Choices[0].Text
		}
	}
	rec.ResponsePayload = text
	rec.Info = types.InferenceInfo{
		InputTokens:  estimateInputTokens(sreq.Spec),
		OutputTokens: estimateTokenCount(text),
		Adapter:      sreq.Adapter,
	}
	return rec
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// estimateInputTokens and estimateTokenCount provide a whitespace-split
// token count over the prompt and the actually-received text; the
// server's own usage counters are never used.
func estimateInputTokens(spec types.RequestSpec) int {
	if spec.API == types.APIChat {
		total := 0
		for _, m := range spec.Messages {
			total += estimateTokenCount(m.Content)
		}
		return total
	}
	return estimateTokenCount(spec.Prompt)
}

func estimateTokenCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
