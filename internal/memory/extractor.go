package memory

import (
	"context"
	"log/slog"
	"strings"
)

// ExtractedFact is one candidate fact produced by an extraction pass.
// When Replaces names an existing fact ID, that fact is deactivated
// before the new one is recorded (a correction).
type ExtractedFact struct {
	Category   string
	Subject    string
	Content    string
	Confidence float64
	Replaces   string
}

// ExtractFunc analyzes a completed turn and proposes facts worth
// remembering. Implementations typically call the reasoning engine
// with an extraction prompt; the function signature keeps this package
// free of that dependency.
type ExtractFunc func(ctx context.Context, userText, assistantText string) ([]ExtractedFact, error)

// Extractor runs the post-turn fact extraction pass. All failures are
// logged and swallowed: extraction is best-effort enrichment, never
// part of the turn's contract.
type Extractor struct {
	store   *Store
	extract ExtractFunc
	logger  *slog.Logger
}

// NewExtractor creates an extractor. A nil fn disables extraction
// entirely (Run becomes a no-op).
func NewExtractor(store *Store, fn ExtractFunc, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{store: store, extract: fn, logger: logger}
}

// ShouldExtract gates extraction on turns likely to contain durable
// information. Short acknowledgements and bare commands are skipped
// to avoid burning reasoning calls on noise.
func ShouldExtract(userText string) bool {
	text := strings.TrimSpace(strings.ToLower(userText))
	if len(text) < 12 {
		return false
	}

	// Explicit memory instructions always qualify.
	for _, marker := range []string{"remember", "don't forget", "my name is", "i prefer", "actually,", "correction"} {
		if strings.Contains(text, marker) {
			return true
		}
	}

	// Bare imperatives ("list files", "run the tests") rarely carry
	// durable knowledge.
	for _, prefix := range []string{"list ", "show ", "run ", "open ", "read ", "what ", "when ", "where "} {
		if strings.HasPrefix(text, prefix) {
			return false
		}
	}

	return len(text) > 60
}

// Run extracts and records facts from a completed turn. Safe to call
// concurrently from a goroutine after the response is sent; errors are
// logged, never returned.
func (e *Extractor) Run(ctx context.Context, sourceMessageID, userText, assistantText string) {
	if e.extract == nil || !ShouldExtract(userText) {
		return
	}

	candidates, err := e.extract(ctx, userText, assistantText)
	if err != nil {
		e.logger.Debug("fact extraction failed", "error", err)
		return
	}

	for _, c := range candidates {
		if c.Replaces != "" {
			if err := e.store.DeactivateFact(ctx, c.Replaces); err != nil {
				e.logger.Debug("deactivate superseded fact failed",
					"fact", c.Replaces, "error", err)
			}
		}

		source := SourceInferred
		if sourceMessageID != "" {
			source = sourceMessageID
		}
		_, err := e.store.RecordFact(ctx, &Fact{
			Category:   c.Category,
			Subject:    c.Subject,
			Content:    c.Content,
			Confidence: c.Confidence,
			Source:     source,
		})
		if err != nil {
			e.logger.Debug("record extracted fact failed", "subject", c.Subject, "error", err)
		}
	}
}
