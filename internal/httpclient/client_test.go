package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bc-dunia/inferharness/internal/types"
)

func nowFunc() func() float64 {
	start := time.Now()
	return func() float64 { return time.Since(start).Seconds() }
}

func TestDoNonStreamingCompletionSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			t.Errorf("expected /v1/completions, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"text":"hello world"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ModelName: "m"}, 4, nowFunc())
	rec := c.Do(context.Background(), types.ScheduledRequest{
		Spec: types.RequestSpec{API: types.APICompletion, Prompt: "hi"},
	}, 0)

	if !rec.OK() {
		t.Fatalf("expected success, got error %+v", rec.Error)
	}
	if rec.ResponsePayload != "hello world" {
		t.Fatalf("expected response payload 'hello world', got %q", rec.ResponsePayload)
	}
	if rec.Info.InputTokens != 1 || rec.Info.OutputTokens != 2 {
		t.Fatalf("expected text-derived token counts, got %+v", rec.Info)
	}
}

func TestDoChatUsesMessagesAndFallsBackToEstimatedTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, 4, nowFunc())
	rec := c.Do(context.Background(), types.ScheduledRequest{
		Spec: types.RequestSpec{API: types.APIChat, Messages: []types.ChatMessage{{Role: "user", Content: "hi"}}},
	}, 0)

	if !rec.OK() {
		t.Fatalf("expected success, got error %+v", rec.Error)
	}
	if rec.ResponsePayload != "hi there" {
		t.Fatalf("expected response payload 'hi there', got %q", rec.ResponsePayload)
	}
	if rec.Info.OutputTokens != 2 {
		t.Fatalf("expected estimated token count 2 for 'hi there', got %d", rec.Info.OutputTokens)
	}
}

func TestDoStreamingCountsOutputTokensFromTextNotFrameCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		frames := []string{`{"choices":[{"text":"hello"}]}`, `{"choices":[{"text":" "}]}`, `{"choices":[{"text":"world"}]}`, `[DONE]`}
		for _, f := range frames {
			io.WriteString(w, "data: "+f+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Streaming: true}, 4, nowFunc())
	rec := c.Do(context.Background(), types.ScheduledRequest{
		Spec: types.RequestSpec{API: types.APICompletion, Prompt: "hi"},
	}, 0)

	if !rec.OK() {
		t.Fatalf("expected success, got error %+v", rec.Error)
	}
	// 4 SSE frames (3 data + [DONE]) were sent, but the accumulated text
	// "hello world" is only 2 whitespace-split tokens -- OutputTokens must
	// reflect the tokenizer count over received text, not the frame count.
	if rec.Info.OutputTokens != 2 {
		t.Fatalf("expected OutputTokens computed from accumulated text (2), got %d", rec.Info.OutputTokens)
	}
	if len(rec.Info.OutputTokenTs) != 3 {
		t.Fatalf("expected one tick per completed SSE frame (3), got %d", len(rec.Info.OutputTokenTs))
	}
}

func TestDoMapsNon2xxToHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, 4, nowFunc())
	rec := c.Do(context.Background(), types.ScheduledRequest{
		Spec: types.RequestSpec{API: types.APICompletion, Prompt: "hi"},
	}, 0)

	if rec.OK() {
		t.Fatal("expected failure for HTTP 500")
	}
	if rec.Error.Kind != KindHTTPStatus {
		t.Fatalf("expected KindHTTPStatus, got %q", rec.Error.Kind)
	}
}

func TestDoMapsConnectionRefusedError(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, 4, nowFunc())
	rec := c.Do(context.Background(), types.ScheduledRequest{
		Spec: types.RequestSpec{API: types.APICompletion, Prompt: "hi"},
	}, 0)

	if rec.OK() {
		t.Fatal("expected failure connecting to a closed port")
	}
	if rec.Error.Kind == "" {
		t.Fatal("expected a non-empty error kind")
	}
}

func TestDoReturnsCancelledOnContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(Config{BaseURL: srv.URL}, 4, nowFunc())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec := c.Do(ctx, types.ScheduledRequest{
		Spec: types.RequestSpec{API: types.APICompletion, Prompt: "hi"},
	}, 0)

	if rec.OK() {
		t.Fatal("expected failure after context cancellation")
	}
}

func TestDoUnknownAPITypeReturnsProtocolError(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"}, 4, nowFunc())
	rec := c.Do(context.Background(), types.ScheduledRequest{
		Spec: types.RequestSpec{API: "bogus"},
	}, 0)

	if rec.OK() {
		t.Fatal("expected failure for an unknown API type")
	}
	if rec.Error.Kind != KindProtocol {
		t.Fatalf("expected KindProtocol, got %q", rec.Error.Kind)
	}
}
