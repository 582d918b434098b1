package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/reasoning"
)

type fakeAgent struct {
	mu     sync.Mutex
	turns  []*agent.Turn
	result *agent.Result
}

func (f *fakeAgent) HandleTurn(ctx context.Context, turn *agent.Turn, callback reasoning.StreamCallback) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return f.result, nil
}

func newTestChannel(a Agent) *Channel {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Broker: "mqtt://localhost:1883", DeviceName: "vesper-test"}, a, logger)
}

func TestTopics(t *testing.T) {
	c := newTestChannel(&fakeAgent{})
	if got := c.commandTopic(); got != "vesper-test/command" {
		t.Errorf("commandTopic = %q", got)
	}
	if got := c.responseTopic(); got != "vesper-test/response" {
		t.Errorf("responseTopic = %q", got)
	}
	if got := c.availabilityTopic(); got != "vesper-test/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
}

func TestCommandDecoding(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantText string
		wantSess string
	}{
		{"json", `{"session_id": "s1", "text": "hello"}`, "hello", "s1"},
		{"json no session", `{"text": "hi"}`, "hi", ""},
		{"bare text", "just words", "just words", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd command
			if err := json.Unmarshal([]byte(tt.payload), &cmd); err != nil {
				cmd = command{Text: tt.payload}
			}
			if cmd.Text != tt.wantText || cmd.SessionID != tt.wantSess {
				t.Errorf("cmd = %+v", cmd)
			}
		})
	}
}

func TestOnCommandRunsTurn(t *testing.T) {
	fake := &fakeAgent{result: &agent.Result{SessionID: "s1", Text: "hi"}}
	c := newTestChannel(fake)

	c.onCommand(context.Background(), &paho.Publish{
		Topic:   "vesper-test/command",
		Payload: []byte(`{"text": "what's up"}`),
	})
	// Commands on foreign topics and empty commands are ignored.
	c.onCommand(context.Background(), &paho.Publish{
		Topic:   "other/topic",
		Payload: []byte(`{"text": "nope"}`),
	})
	c.onCommand(context.Background(), &paho.Publish{
		Topic:   "vesper-test/command",
		Payload: []byte(``),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fake.mu.Lock()
		n := len(fake.turns)
		fake.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(fake.turns))
	}
	if fake.turns[0].Channel != "mqtt" || fake.turns[0].Text != "what's up" {
		t.Errorf("turn = %+v", fake.turns[0])
	}
}

func TestRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limit := newRateLimiter(3, time.Minute, logger)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limit.allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want 3", allowed)
	}
	if got := limit.dropped.Load(); got != 7 {
		t.Errorf("dropped = %d, want 7", got)
	}
}

func TestRateLimiterResets(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limit := newRateLimiter(1, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go limit.run(ctx)

	if !limit.allow() {
		t.Fatal("first command rejected")
	}
	if limit.allow() {
		t.Fatal("budget not enforced")
	}

	time.Sleep(30 * time.Millisecond)
	if !limit.allow() {
		t.Error("budget not reset after interval")
	}
}
