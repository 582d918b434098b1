package reasoning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// scriptedClient returns a queued response or error per call and
// records the models it was asked for.
type scriptedClient struct {
	responses []*ChatResponse
	errs      []error
	calls     int
	models    []string
}

func (s *scriptedClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return s.ChatStream(ctx, model, messages, tools, nil)
}

func (s *scriptedClient) ChatStream(_ context.Context, model string, _ []Message, _ []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	i := s.calls
	s.calls++
	s.models = append(s.models, model)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return &ChatResponse{Message: Message{Role: "assistant", Content: "ok"}, Done: true}, nil
}

func (s *scriptedClient) Ping(context.Context) error { return nil }

func newTestEngine(client Client) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(client, NewRouter(logger), ModelSet{
		Fast:     "fast-model",
		Capable:  "capable-model",
		Fallback: "fallback-model",
	}, logger)
	e.baseDelay = time.Millisecond
	return e
}

func TestCompleteSuccess(t *testing.T) {
	client := &scriptedClient{}
	e := newTestEngine(client)

	resp, err := e.Complete(context.Background(), "capable-model", []Message{{Role: "user", Content: "hi"}}, nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	client := &scriptedClient{
		errs: []error{
			&ProviderError{Provider: "anthropic", StatusCode: 529},
			&ProviderError{Provider: "anthropic", StatusCode: 500},
			nil,
		},
	}
	e := newTestEngine(client)

	resp, err := e.Complete(context.Background(), "capable-model", nil, nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp == nil {
		t.Fatal("expected response after retries")
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3", client.calls)
	}
}

func TestCompleteFatalNoRetry(t *testing.T) {
	authErr := &ProviderError{Provider: "anthropic", StatusCode: 401}
	client := &scriptedClient{errs: []error{authErr, nil, nil, nil}}
	e := newTestEngine(client)

	_, err := e.Complete(context.Background(), "capable-model", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 401 {
		t.Errorf("error = %v, want the auth failure", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry, no fallback)", client.calls)
	}
}

func TestCompleteFallbackTier(t *testing.T) {
	overloaded := &ProviderError{Provider: "anthropic", StatusCode: 529}
	client := &scriptedClient{
		errs: []error{overloaded, overloaded, overloaded, nil},
	}
	e := newTestEngine(client)

	resp, err := e.Complete(context.Background(), "capable-model", nil, nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp == nil {
		t.Fatal("expected fallback response")
	}
	if client.calls != 4 {
		t.Fatalf("calls = %d, want 3 retries + 1 fallback", client.calls)
	}
	if client.models[3] != "fallback-model" {
		t.Errorf("final model = %s, want fallback-model", client.models[3])
	}
}

func TestCompleteFallbackAlsoFails(t *testing.T) {
	overloaded := &ProviderError{Provider: "anthropic", StatusCode: 529}
	fbErr := errors.New("fallback down")
	client := &scriptedClient{
		errs: []error{overloaded, overloaded, overloaded, fbErr},
	}
	e := newTestEngine(client)

	_, err := e.Complete(context.Background(), "capable-model", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, fbErr) {
		t.Errorf("error should carry the fallback failure: %v", err)
	}
}

func TestCompleteNoFallbackLoop(t *testing.T) {
	overloaded := &ProviderError{Provider: "anthropic", StatusCode: 529}
	client := &scriptedClient{
		errs: []error{overloaded, overloaded, overloaded},
	}
	e := newTestEngine(client)

	// A request already on the fallback model must not re-enter it.
	_, err := e.Complete(context.Background(), "fallback-model", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3 (no extra fallback attempt)", client.calls)
	}
}

func TestRouteModel(t *testing.T) {
	e := newTestEngine(&scriptedClient{})

	if got := e.RouteModel("hello", false); got != "fast-model" {
		t.Errorf("RouteModel greeting = %s, want fast-model", got)
	}
	if got := e.RouteModel("analyze my spending this month", false); got != "capable-model" {
		t.Errorf("RouteModel task = %s, want capable-model", got)
	}
}

func TestMultiClientRouting(t *testing.T) {
	local := &scriptedClient{responses: []*ChatResponse{{Message: Message{Content: "local"}}}}
	remote := &scriptedClient{responses: []*ChatResponse{{Message: Message{Content: "remote"}}}}

	m := NewMultiClient(remote)
	m.AddProvider("ollama", local)
	m.AddProvider("anthropic", remote)
	m.AddModel("qwen3:4b", "ollama")
	m.AddModel("claude-sonnet-4-20250514", "anthropic")

	resp, err := m.Chat(context.Background(), "qwen3:4b", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "local" {
		t.Errorf("routed to wrong provider: %q", resp.Message.Content)
	}

	// Unknown models fall through to the fallback client.
	resp, err = m.Chat(context.Background(), "mystery-model", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "remote" {
		t.Errorf("unknown model should hit fallback: %q", resp.Message.Content)
	}
}
