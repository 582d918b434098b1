package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/config"
	"github.com/vesperhq/vesper/internal/connwatch"
	"github.com/vesperhq/vesper/internal/memory"
	"github.com/vesperhq/vesper/internal/prompts"
	"github.com/vesperhq/vesper/internal/reasoning"
	"github.com/vesperhq/vesper/internal/scheduler"
	"github.com/vesperhq/vesper/internal/usage"
)

// extractionResult is the JSON contract of the fact extraction prompt.
type extractionResult struct {
	WorthPersisting bool `json:"worth_persisting"`
	Facts           []struct {
		Category   string  `json:"category"`
		Subject    string  `json:"subject"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
		Replaces   string  `json:"replaces"`
	} `json:"facts"`
}

// newExtractFunc adapts the reasoning engine to the memory extractor.
// The fast tier handles extraction; it runs async after every turn and
// latency does not matter, only cost.
func newExtractFunc(engine *reasoning.Engine, logger *slog.Logger) memory.ExtractFunc {
	return func(ctx context.Context, userText, assistantText string) ([]memory.ExtractedFact, error) {
		model := engine.ModelFor(reasoning.TierFast)
		messages := []reasoning.Message{
			{Role: "user", Content: prompts.FactExtraction(userText, assistantText)},
		}

		resp, err := engine.Complete(ctx, model, messages, nil, nil)
		if err != nil {
			return nil, err
		}

		result, err := parseExtraction(resp.Message.Content)
		if err != nil {
			return nil, err
		}
		if !result.WorthPersisting {
			return nil, nil
		}

		facts := make([]memory.ExtractedFact, 0, len(result.Facts))
		for _, f := range result.Facts {
			if f.Subject == "" || f.Content == "" {
				continue
			}
			facts = append(facts, memory.ExtractedFact{
				Category:   f.Category,
				Subject:    f.Subject,
				Content:    f.Content,
				Confidence: f.Confidence,
				Replaces:   f.Replaces,
			})
		}
		logger.Debug("extraction pass complete", "model", model, "facts", len(facts))
		return facts, nil
	}
}

// parseExtraction decodes the model's JSON answer, tolerating the
// markdown code fences smaller models like to add.
func parseExtraction(content string) (*extractionResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result extractionResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return &result, nil
}

// engineSummarizer condenses history runs for the compactor using the
// fast tier.
type engineSummarizer struct {
	engine *reasoning.Engine
}

func (s *engineSummarizer) Summarize(ctx context.Context, msgs []memory.Message) (string, error) {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	model := s.engine.ModelFor(reasoning.TierFast)
	resp, err := s.engine.Complete(ctx, model, []reasoning.Message{
		{Role: "user", Content: prompts.Compaction(sb.String())},
	}, nil, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// newJobExecutor turns fired scheduled jobs into agent turns. The loop
// pointer lives on app because the scheduler is constructed before the
// loop; by the time a job fires the loop is always set.
func newJobExecutor(a *app, logger *slog.Logger) scheduler.ExecuteFunc {
	return func(ctx context.Context, job *scheduler.Job) (string, error) {
		if a.loop == nil {
			return "", fmt.Errorf("agent loop not ready")
		}

		params := "{}"
		if len(job.Params) > 0 {
			if data, err := json.Marshal(job.Params); err == nil {
				params = string(data)
			}
		}

		turn := &agent.Turn{
			Channel: "scheduler",
			Text:    prompts.ScheduledTask(job.Name, job.Action, params),
		}
		result, err := a.loop.HandleTurn(ctx, turn, nil)
		if err != nil {
			return "", err
		}

		logger.Info("scheduled job produced output",
			"job", job.Name,
			"session", result.SessionID,
			"channel", job.Channel,
			"len", len(result.Text),
		)
		return result.Text, nil
	}
}

// newUsageRecorder persists per-turn token accounting with cost
// computed from the pricing table.
func newUsageRecorder(store *usage.Store, providers map[string]string, pricing map[string]config.PricingEntry, logger *slog.Logger) agent.UsageFunc {
	return func(ctx context.Context, sessionID, channel, model string, inputTokens, outputTokens int) {
		provider := providers[model]
		if provider == "" {
			provider = "ollama"
		}
		role := "interactive"
		if channel == "scheduler" {
			role = "scheduled"
		}

		rec := usage.Record{
			SessionID:    sessionID,
			Channel:      channel,
			Model:        model,
			Provider:     provider,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CostUSD:      usage.ComputeCost(model, inputTokens, outputTokens, pricing),
			Role:         role,
		}
		if err := store.Record(ctx, rec); err != nil {
			logger.Warn("usage record failed", "error", err)
		}
	}
}

// healthLine renders connwatch status as the one-line ambient health
// section the context builder includes in every turn.
func healthLine(mgr *connwatch.Manager) agent.HealthFunc {
	return func() string {
		status := mgr.Status()
		var degraded []string
		for name, st := range status {
			if !st.Ready {
				degraded = append(degraded, name)
			}
		}
		if len(degraded) == 0 {
			return "all systems nominal"
		}
		sort.Strings(degraded)
		return "degraded: " + strings.Join(degraded, ", ")
	}
}
