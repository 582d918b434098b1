package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vesperhq/vesper/internal/capability"
	"github.com/vesperhq/vesper/internal/memory"
	"github.com/vesperhq/vesper/internal/reasoning"
)

// State is the agent loop's position in a turn.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateContextBuilt State = "CONTEXT_BUILT"
	StateAwaiting     State = "AWAITING_COMPLETION"
	StateExecuting    State = "EXECUTING_CAPABILITIES"
	StateResponding   State = "RESPONDING"
	StatePersisted    State = "PERSISTED"
	StateFailed       State = "FAILED"
)

// heavyTurnToolCalls is the number of capability invocations in one
// turn past which the session is flagged as heavy use.
const heavyTurnToolCalls = 3

// Reasoner is the slice of the reasoning engine the loop depends on.
type Reasoner interface {
	RouteModel(query string, needsTools bool) string
	Complete(ctx context.Context, model string, messages []reasoning.Message, tools []map[string]any, callback reasoning.StreamCallback) (*reasoning.ChatResponse, error)
}

// Turn is one inbound message from a channel.
type Turn struct {
	// SessionID resumes an existing session when set; empty means
	// resume the channel's latest open session or start fresh.
	SessionID string
	Channel   string
	Text      string
}

// Result is the outcome of a completed turn.
type Result struct {
	SessionID    string
	Text         string
	Model        string
	State        State
	Rounds       int
	Truncated    bool
	InputTokens  int
	OutputTokens int
}

// Config bounds a turn.
type Config struct {
	// MaxRounds caps completion and capability round-trips per turn.
	MaxRounds int

	// TurnTimeout is the wall-clock ceiling for a whole turn.
	TurnTimeout time.Duration

	// SessionMaxAge is how stale an open session may be and still be
	// resumed by a turn that names no session.
	SessionMaxAge time.Duration
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:     20,
		TurnTimeout:   5 * time.Minute,
		SessionMaxAge: 4 * time.Hour,
	}
}

// UsageFunc receives the token accounting of a persisted turn.
type UsageFunc func(ctx context.Context, sessionID, channel, model string, inputTokens, outputTokens int)

// Loop orchestrates turns. One HandleTurn call per inbound message;
// turns on the same session serialize, distinct sessions run in
// parallel.
type Loop struct {
	store     *memory.Store
	registry  *capability.Registry
	engine    Reasoner
	builder   *Builder
	extractor *memory.Extractor
	compactor *memory.Compactor
	locks     *sessionLocks
	cfg       Config
	logger    *slog.Logger
	onUsage   UsageFunc
}

// OnUsage installs a callback invoked after each persisted turn with
// its token totals. Must be set before the loop starts handling turns.
func (l *Loop) OnUsage(fn UsageFunc) {
	l.onUsage = fn
}

// NewLoop creates the agent loop. extractor and compactor are
// optional; nil disables post-turn extraction or compaction.
func NewLoop(store *memory.Store, registry *capability.Registry, engine Reasoner, builder *Builder, extractor *memory.Extractor, compactor *memory.Compactor, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 20
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = 4 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:     store,
		registry:  registry,
		engine:    engine,
		builder:   builder,
		extractor: extractor,
		compactor: compactor,
		locks:     newSessionLocks(),
		cfg:       cfg,
		logger:    logger,
	}
}

// HandleTurn runs one turn to completion. The returned error is
// always a *TurnError when the turn ends in FAILED; channels must
// present it as an explicit failure, never a normal answer. The
// session lock is released on every path.
func (l *Loop) HandleTurn(ctx context.Context, turn *Turn, callback reasoning.StreamCallback) (*Result, error) {
	session, err := l.store.ResolveSession(ctx, turn.SessionID, turn.Channel, l.cfg.SessionMaxAge)
	if err != nil {
		return nil, &TurnError{State: StateReceived, Err: err}
	}

	release := l.locks.acquire(session.ID)
	defer release()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	started := time.Now()
	l.logger.Info("turn started",
		"session", session.ID,
		"channel", turn.Channel,
		"text_len", len(turn.Text),
	)

	result, err := l.run(ctx, session, turn, callback)
	if err != nil {
		l.logger.Error("turn failed",
			"session", session.ID,
			"duration", time.Since(started).Round(time.Millisecond),
			"error", err,
		)
		return nil, err
	}

	l.logger.Info("turn completed",
		"session", session.ID,
		"rounds", result.Rounds,
		"truncated", result.Truncated,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return result, nil
}

func (l *Loop) run(ctx context.Context, session *memory.Session, turn *Turn, callback reasoning.StreamCallback) (*Result, error) {
	// RECEIVED -> CONTEXT_BUILT. Always succeeds; the builder
	// degrades sections instead of failing.
	defs := l.registry.Definitions()
	built := l.builder.Build(ctx, session, turn.Text, defs)
	state := StateContextBuilt

	messages := make([]reasoning.Message, 0, len(built.Window)+2)
	messages = append(messages, reasoning.Message{Role: "system", Content: built.System})
	messages = append(messages, built.Window...)
	messages = append(messages, reasoning.Message{Role: "user", Content: turn.Text})

	tools := definitionsToTools(defs)
	model := l.engine.RouteModel(turn.Text, false)

	result := &Result{SessionID: session.ID, Model: model, State: state}
	var (
		finalText    string
		partialText  string
		toolsInvoked []string
	)

	// Accumulate streamed text so a stream that dies mid-flight still
	// has its partial output persisted.
	wrapped := callback
	if callback != nil {
		wrapped = func(ev reasoning.StreamEvent) {
			if ev.Kind == reasoning.KindToken {
				partialText += ev.Token
			}
			callback(ev)
		}
	}

	for round := 1; ; round++ {
		state = StateAwaiting
		result.Rounds = round

		resp, err := l.engine.Complete(ctx, model, messages, tools, wrapped)
		if err != nil {
			if partialText != "" {
				l.persistPartial(session, turn, partialText, result)
			}
			return nil, l.failed(ctx, state, fmt.Errorf("reasoning: %w", err))
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			finalText = resp.Message.Content
			break
		}

		if round >= l.cfg.MaxRounds {
			// Round limit is a soft stop: respond with what exists
			// and flag the truncation, never loop forever.
			l.logger.Warn("round limit reached", "session", session.ID, "rounds", round)
			result.Truncated = true
			finalText = resp.Message.Content
			if finalText == "" {
				finalText = "I ran out of steps while working on this and had to stop early."
			}
			break
		}

		// AWAITING_COMPLETION -> EXECUTING_CAPABILITIES. Every
		// requested capability runs even when an earlier one fails;
		// failures become error results the model can react to.
		state = StateExecuting
		messages = append(messages, resp.Message)

		for _, tc := range resp.Message.ToolCalls {
			name := tc.Function.Name
			toolsInvoked = append(toolsInvoked, name)
			if wrapped != nil {
				call := tc
				wrapped(reasoning.StreamEvent{Kind: reasoning.KindToolCallStart, ToolCall: &call})
			}

			output, invokeErr := l.invoke(ctx, name, tc.Function.Arguments)
			ev := reasoning.StreamEvent{
				Kind:       reasoning.KindToolCallDone,
				ToolName:   name,
				ToolResult: output,
			}
			if invokeErr != nil {
				output = fmt.Sprintf("Error: %v", invokeErr)
				ev.ToolResult = ""
				ev.ToolError = output
			}
			if wrapped != nil {
				wrapped(ev)
			}

			messages = append(messages, reasoning.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			})
		}

		if ctx.Err() != nil {
			return nil, l.failed(ctx, state, ctx.Err())
		}
	}

	// RESPONDING: persist the user message and the assistant's final
	// text. A storage failure here is fatal to the turn.
	state = StateResponding
	if _, err := l.store.AppendMessage(ctx, &memory.Message{
		SessionID: session.ID,
		Channel:   turn.Channel,
		Role:      memory.RoleUser,
		Content:   turn.Text,
	}); err != nil {
		return nil, l.failed(ctx, state, err)
	}

	meta := map[string]any{"model": model}
	if len(toolsInvoked) > 0 {
		meta["tool_calls"] = toolsInvoked
	}
	if result.Truncated {
		meta["truncated"] = true
	}
	if _, err := l.store.AppendMessage(ctx, &memory.Message{
		SessionID:    session.ID,
		Channel:      turn.Channel,
		Role:         memory.RoleAssistant,
		Content:      finalText,
		Metadata:     meta,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}); err != nil {
		return nil, l.failed(ctx, state, err)
	}

	// Long tool chains flag the session for usage reporting.
	// Best-effort, the turn already succeeded.
	if len(toolsInvoked) >= heavyTurnToolCalls {
		if err := l.store.MarkHeavyUse(ctx, session.ID); err != nil {
			l.logger.Warn("mark heavy use", "session", session.ID, "error", err)
		}
	}

	result.Text = finalText
	result.State = StatePersisted

	// Post-turn enrichment is best-effort and never blocks the
	// response.
	if l.onUsage != nil {
		go l.onUsage(context.Background(), session.ID, turn.Channel, model, result.InputTokens, result.OutputTokens)
	}
	if l.extractor != nil {
		go l.extractor.Run(context.Background(), memory.SourceInferred, turn.Text, finalText)
	}
	if l.compactor != nil {
		go func(sessionID string) {
			if _, err := l.compactor.MaybeCompact(context.Background(), sessionID); err != nil {
				l.logger.Warn("compaction failed", "session", sessionID, "error", err)
			}
		}(session.ID)
	}

	return result, nil
}

// invoke runs one capability and flattens its result to the text fed
// back to the model.
func (l *Loop) invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	argsJSON := "{}"
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}
		argsJSON = string(data)
	}

	res, err := l.registry.Invoke(ctx, name, argsJSON)
	if err != nil {
		return "", err
	}
	for _, effect := range res.SideEffects {
		l.logger.Info("capability side effect", "capability", name, "effect", effect)
	}
	return res.Output, nil
}

// persistPartial writes accumulated stream text on a mid-stream
// failure so output is never lost silently. Best-effort: the turn is
// already failing.
func (l *Loop) persistPartial(session *memory.Session, turn *Turn, text string, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.store.AppendMessage(ctx, &memory.Message{
		SessionID: session.ID,
		Channel:   turn.Channel,
		Role:      memory.RoleAssistant,
		Content:   text,
		Metadata:  map[string]any{"partial": true, "model": result.Model},
	}); err != nil {
		l.logger.Warn("failed to persist partial stream text", "error", err)
	}
}

// failed wraps an error into the FAILED terminal state, converting a
// deadline hit into the turn timeout type.
func (l *Loop) failed(ctx context.Context, state State, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &TimeoutError{Limit: l.cfg.TurnTimeout}
	}
	return &TurnError{State: state, Err: err}
}

// definitionsToTools converts registry definitions to the
// function-calling format providers expect.
func definitionsToTools(defs []capability.Definition) []map[string]any {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return tools
}
