package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vesperhq/vesper/internal/capability"
	"github.com/vesperhq/vesper/internal/memory"
	"github.com/vesperhq/vesper/internal/reasoning"
)

// fakeReasoner replays a script of responses and errors, one per
// Complete call, recording what it was asked.
type fakeReasoner struct {
	mu        sync.Mutex
	responses []*reasoning.ChatResponse
	errs      []error
	calls     int
	models    []string
	messages  [][]reasoning.Message
	stream    func(cb reasoning.StreamCallback)
}

func (f *fakeReasoner) RouteModel(query string, needsTools bool) string {
	return "test-model"
}

func (f *fakeReasoner) Complete(ctx context.Context, model string, messages []reasoning.Message, tools []map[string]any, callback reasoning.StreamCallback) (*reasoning.ChatResponse, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.models = append(f.models, model)
	snapshot := make([]reasoning.Message, len(messages))
	copy(snapshot, messages)
	f.messages = append(f.messages, snapshot)
	f.mu.Unlock()

	if f.stream != nil && callback != nil {
		f.stream(callback)
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	// Scripts that run out repeat their last entry so round-limit
	// tests can loop indefinitely.
	if n := len(f.responses); n > 0 {
		return f.responses[n-1], nil
	}
	return textResponse("ok"), nil
}

func (f *fakeReasoner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textResponse(content string) *reasoning.ChatResponse {
	return &reasoning.ChatResponse{
		Model:        "test-model",
		Message:      reasoning.Message{Role: "assistant", Content: content},
		Done:         true,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResponse(id, name string, args map[string]any) *reasoning.ChatResponse {
	return &reasoning.ChatResponse{
		Model: "test-model",
		Message: reasoning.Message{
			Role:      "assistant",
			ToolCalls: []reasoning.ToolCall{reasoning.NewToolCall(id, name, args)},
		},
		Done:         true,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

type testLoop struct {
	loop        *Loop
	store       *memory.Store
	db          *sql.DB
	invocations *atomic.Int64
}

func newTestLoop(t *testing.T, engine Reasoner, cfg Config) *testLoop {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := memory.NewStore(db, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	var invocations atomic.Int64
	r := capability.NewRegistry(logger)
	err = r.Register(&capability.Capability{
		Name:        "echo",
		Description: "Repeats the given text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (*capability.Result, error) {
			invocations.Add(1)
			return &capability.Result{Output: fmt.Sprintf("echo: %v", args["text"])}, nil
		},
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	err = r.Register(&capability.Capability{
		Name:        "broken",
		Description: "Always fails.",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (*capability.Result, error) {
			return nil, errors.New("backend unavailable")
		},
	})
	if err != nil {
		t.Fatalf("register broken: %v", err)
	}

	builder := NewBuilder(store, "You are a test agent.", 5, 10, nil, logger)
	loop := NewLoop(store, r, engine, builder, nil, nil, cfg, logger)
	return &testLoop{loop: loop, store: store, db: db, invocations: &invocations}
}

func TestHandleTurnSimple(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{textResponse("Hi there.")}}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	res, err := tl.loop.HandleTurn(ctx, &Turn{Channel: "test", Text: "hello"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.State != StatePersisted {
		t.Errorf("State = %s, want %s", res.State, StatePersisted)
	}
	if res.Text != "Hi there." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", res.Rounds)
	}
	if got := engine.callCount(); got != 1 {
		t.Errorf("reasoning calls = %d, want 1", got)
	}

	// Exactly the user message and the final answer land in storage.
	msgs, err := tl.store.RecentMessages(ctx, res.SessionID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != memory.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message = %s %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != memory.RoleAssistant || msgs[1].Content != "Hi there." {
		t.Errorf("second message = %s %q", msgs[1].Role, msgs[1].Content)
	}
	if msgs[1].Metadata["model"] != "test-model" {
		t.Errorf("assistant metadata model = %v", msgs[1].Metadata["model"])
	}
}

func TestHandleTurnToolRoundTrip(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{
		toolResponse("call_1", "echo", map[string]any{"text": "ping"}),
		textResponse("The echo said ping."),
	}}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	var events []reasoning.StreamEvent
	cb := func(ev reasoning.StreamEvent) { events = append(events, ev) }

	res, err := tl.loop.HandleTurn(ctx, &Turn{Channel: "test", Text: "try the echo"}, cb)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.State != StatePersisted {
		t.Fatalf("State = %s", res.State)
	}
	if res.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", res.Rounds)
	}
	if got := engine.callCount(); got != 2 {
		t.Errorf("reasoning calls = %d, want 2", got)
	}
	if got := tl.invocations.Load(); got != 1 {
		t.Errorf("capability invocations = %d, want 1", got)
	}

	// The second completion sees the assistant's tool call and the
	// tool result keyed by call ID.
	second := engine.messages[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("last message = %+v, want tool result for call_1", last)
	}
	if last.Content != "echo: ping" {
		t.Errorf("tool result = %q", last.Content)
	}

	var sawStart, sawDone bool
	for _, ev := range events {
		switch ev.Kind {
		case reasoning.KindToolCallStart:
			sawStart = true
			if ev.ToolCall == nil || ev.ToolCall.Function.Name != "echo" {
				t.Errorf("tool call start event = %+v", ev.ToolCall)
			}
		case reasoning.KindToolCallDone:
			sawDone = true
			if ev.ToolResult != "echo: ping" {
				t.Errorf("tool done result = %q", ev.ToolResult)
			}
		}
	}
	if !sawStart || !sawDone {
		t.Errorf("missing tool events: start=%v done=%v", sawStart, sawDone)
	}

	msgs, err := tl.store.RecentMessages(ctx, res.SessionID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	calls, ok := msgs[1].Metadata["tool_calls"].([]any)
	if !ok || len(calls) != 1 || calls[0] != "echo" {
		t.Errorf("assistant metadata tool_calls = %v", msgs[1].Metadata["tool_calls"])
	}
}

func TestHandleTurnCapabilityFailureRecovers(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{
		toolResponse("call_1", "broken", nil),
		textResponse("That tool is down, sorry."),
	}}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	res, err := tl.loop.HandleTurn(ctx, &Turn{Channel: "test", Text: "use the broken one"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.State != StatePersisted {
		t.Errorf("State = %s, capability failure must not fail the turn", res.State)
	}

	// The failure is fed back as an error result, not swallowed.
	second := engine.messages[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.HasPrefix(last.Content, "Error:") {
		t.Errorf("tool feedback = %s %q, want error result", last.Role, last.Content)
	}
	if !strings.Contains(last.Content, "backend unavailable") {
		t.Errorf("tool feedback %q missing cause", last.Content)
	}
}

func TestHandleTurnUnknownCapability(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{
		toolResponse("call_1", "no_such_tool", nil),
		textResponse("I don't have that tool."),
	}}
	tl := newTestLoop(t, engine, DefaultConfig())

	res, err := tl.loop.HandleTurn(context.Background(), &Turn{Channel: "test", Text: "do the thing"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.State != StatePersisted {
		t.Errorf("State = %s", res.State)
	}
	second := engine.messages[1]
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Error:") {
		t.Errorf("unknown capability feedback = %q", last.Content)
	}
}

func TestHandleTurnRoundLimit(t *testing.T) {
	// A model that never stops calling tools hits the round cap and
	// gets a truncated answer instead of looping forever.
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{
		toolResponse("call_x", "echo", map[string]any{"text": "again"}),
	}}
	cfg := DefaultConfig()
	cfg.MaxRounds = 3
	tl := newTestLoop(t, engine, cfg)

	res, err := tl.loop.HandleTurn(context.Background(), &Turn{Channel: "test", Text: "loop forever"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if res.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", res.Rounds)
	}
	if res.Text == "" {
		t.Error("truncated turn produced empty text")
	}
	if got := engine.callCount(); got != 3 {
		t.Errorf("reasoning calls = %d, want 3", got)
	}
	// Rounds 1 and 2 execute their calls; round 3 stops instead.
	if got := tl.invocations.Load(); got != 2 {
		t.Errorf("capability invocations = %d, want 2", got)
	}

	msgs, err := tl.store.RecentMessages(context.Background(), res.SessionID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if msgs[len(msgs)-1].Metadata["truncated"] != true {
		t.Errorf("assistant metadata truncated = %v", msgs[len(msgs)-1].Metadata["truncated"])
	}
}

func TestHandleTurnReasoningFailure(t *testing.T) {
	engine := &fakeReasoner{errs: []error{errors.New("connection refused")}}
	tl := newTestLoop(t, engine, DefaultConfig())

	_, err := tl.loop.HandleTurn(context.Background(), &Turn{Channel: "test", Text: "hello"}, nil)
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TurnError", err)
	}
	if te.State != StateAwaiting {
		t.Errorf("failed state = %s, want %s", te.State, StateAwaiting)
	}
}

func TestHandleTurnLockReleasedOnFailure(t *testing.T) {
	engine := &fakeReasoner{
		errs:      []error{errors.New("connection refused"), nil},
		responses: []*reasoning.ChatResponse{nil, textResponse("Back up.")},
	}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	session, err := tl.store.StartSession(ctx, "test")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	turn := &Turn{SessionID: session.ID, Channel: "test", Text: "hello"}

	if _, err := tl.loop.HandleTurn(ctx, turn, nil); err == nil {
		t.Fatal("first turn should fail")
	}

	// The session lock must be free again; a hang here means it leaked.
	res, err := tl.loop.HandleTurn(ctx, turn, nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if res.Text != "Back up." {
		t.Errorf("second turn text = %q", res.Text)
	}
}

func TestHandleTurnPersistsPartialStream(t *testing.T) {
	engine := &fakeReasoner{
		errs: []error{errors.New("stream reset")},
		stream: func(cb reasoning.StreamCallback) {
			cb(reasoning.StreamEvent{Kind: reasoning.KindToken, Token: "Hel"})
			cb(reasoning.StreamEvent{Kind: reasoning.KindToken, Token: "lo"})
		},
	}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	session, err := tl.store.StartSession(ctx, "test")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_, err = tl.loop.HandleTurn(ctx, &Turn{SessionID: session.ID, Channel: "test", Text: "hello"}, func(reasoning.StreamEvent) {})
	if err == nil {
		t.Fatal("expected turn failure")
	}

	msgs, err := tl.store.RecentMessages(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("persisted %d messages, want 1 partial", len(msgs))
	}
	if msgs[0].Content != "Hello" {
		t.Errorf("partial content = %q, want %q", msgs[0].Content, "Hello")
	}
	if msgs[0].Metadata["partial"] != true {
		t.Errorf("partial metadata = %v", msgs[0].Metadata)
	}
}

// slowReasoner detects overlapping Complete calls.
type slowReasoner struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (s *slowReasoner) RouteModel(query string, needsTools bool) string { return "test-model" }

func (s *slowReasoner) Complete(ctx context.Context, model string, messages []reasoning.Message, tools []map[string]any, callback reasoning.StreamCallback) (*reasoning.ChatResponse, error) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(20 * time.Millisecond)
	s.active.Add(-1)
	return textResponse("done"), nil
}

func TestHandleTurnSerializesPerSession(t *testing.T) {
	engine := &slowReasoner{}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	session, err := tl.store.StartSession(ctx, "test")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			turn := &Turn{SessionID: session.ID, Channel: "test", Text: fmt.Sprintf("turn %d", n)}
			if _, err := tl.loop.HandleTurn(ctx, turn, nil); err != nil {
				t.Errorf("turn %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if engine.overlap.Load() {
		t.Error("turns for the same session overlapped")
	}
}

func TestHandleTurnMarksHeavyUse(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{
		toolResponse("c1", "echo", map[string]any{"text": "a"}),
		toolResponse("c2", "echo", map[string]any{"text": "b"}),
		toolResponse("c3", "echo", map[string]any{"text": "c"}),
		textResponse("Done."),
	}}
	tl := newTestLoop(t, engine, DefaultConfig())
	ctx := context.Background()

	res, err := tl.loop.HandleTurn(ctx, &Turn{Channel: "test", Text: "do the thing"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	sess, err := tl.store.SessionByID(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if !sess.HeavyUse {
		t.Error("session with a long tool chain not flagged heavy use")
	}

	// A short turn leaves the flag alone on a fresh session.
	short := &fakeReasoner{responses: []*reasoning.ChatResponse{textResponse("Hi.")}}
	tl2 := newTestLoop(t, short, DefaultConfig())
	res2, err := tl2.loop.HandleTurn(ctx, &Turn{Channel: "test", Text: "hi"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	sess2, err := tl2.store.SessionByID(ctx, res2.SessionID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if sess2.HeavyUse {
		t.Error("light turn flagged heavy use")
	}
}

// outageReasoner answers normally but closes the backing database
// before returning, so the persist step that follows has no storage.
type outageReasoner struct {
	db *sql.DB
}

func (o *outageReasoner) RouteModel(query string, needsTools bool) string { return "test-model" }

func (o *outageReasoner) Complete(ctx context.Context, model string, messages []reasoning.Message, tools []map[string]any, callback reasoning.StreamCallback) (*reasoning.ChatResponse, error) {
	o.db.Close()
	return textResponse("Hi."), nil
}

func TestHandleTurnStorageOutageDuringPersist(t *testing.T) {
	engine := &outageReasoner{}
	tl := newTestLoop(t, engine, DefaultConfig())
	engine.db = tl.db
	ctx := context.Background()

	session, err := tl.store.StartSession(ctx, "test")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	turn := &Turn{SessionID: session.ID, Channel: "test", Text: "hello"}

	_, err = tl.loop.HandleTurn(ctx, turn, nil)
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TurnError", err)
	}
	if te.State != StateResponding {
		t.Errorf("failed state = %s, want %s", te.State, StateResponding)
	}
	var se *memory.StorageError
	if !errors.As(err, &se) {
		t.Errorf("error chain %v does not carry *memory.StorageError", err)
	}

	// The session lock must be free again; a second turn on the same
	// session fails fast at resolution instead of hanging.
	if _, err := tl.loop.HandleTurn(ctx, turn, nil); err == nil {
		t.Fatal("second turn should fail against closed storage")
	}
}

func TestHandleTurnStorageOutage(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{textResponse("Hi.")}}
	tl := newTestLoop(t, engine, DefaultConfig())

	tl.db.Close()

	_, err := tl.loop.HandleTurn(context.Background(), &Turn{Channel: "test", Text: "hello"}, nil)
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TurnError", err)
	}
	if te.State != StateReceived {
		t.Errorf("failed state = %s, want %s", te.State, StateReceived)
	}
}

func TestUsageCallbackReceivesTokenTotals(t *testing.T) {
	engine := &fakeReasoner{responses: []*reasoning.ChatResponse{textResponse("Hi.")}}
	tl := newTestLoop(t, engine, DefaultConfig())

	type usageCall struct {
		sessionID, channel, model string
		in, out                   int
	}
	calls := make(chan usageCall, 1)
	tl.loop.OnUsage(func(ctx context.Context, sessionID, channel, model string, inputTokens, outputTokens int) {
		calls <- usageCall{sessionID, channel, model, inputTokens, outputTokens}
	})

	res, err := tl.loop.HandleTurn(context.Background(), &Turn{Channel: "test", Text: "hello"}, nil)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	select {
	case call := <-calls:
		if call.sessionID != res.SessionID {
			t.Errorf("usage session = %q, want %q", call.sessionID, res.SessionID)
		}
		if call.channel != "test" || call.model != "test-model" {
			t.Errorf("usage channel/model = %q/%q", call.channel, call.model)
		}
		if call.in != 10 || call.out != 5 {
			t.Errorf("usage tokens = %d/%d, want 10/5", call.in, call.out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("usage callback never fired")
	}
}
