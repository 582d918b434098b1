package reasoning

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Tier identifies a model class.
type Tier int

const (
	// TierFast is the cheap local model for simple exchanges.
	TierFast Tier = iota

	// TierCapable is the strong model for anything involving
	// capabilities or real reasoning.
	TierCapable
)

func (t Tier) String() string {
	if t == TierFast {
		return "fast"
	}
	return "capable"
}

// Decision records why a tier was selected, for the audit log.
type Decision struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryLength int       `json:"query_length"`
	NeedsTools  bool      `json:"needs_tools"`
	Tier        string    `json:"tier"`
	Reasoning   string    `json:"reasoning"`
}

// capableKeywords mark queries that need real reasoning or action.
// Matching is substring on the lowercased query.
var capableKeywords = []string{
	"write", "create", "build", "fix", "refactor", "implement",
	"analyze", "explain", "compare", "summarize", "review",
	"plan", "schedule", "remember", "search", "draft",
	"pull request", "commit", "deploy",
}

// queryLengthThreshold: past this many characters the query has enough
// substance that the fast tier tends to lose the thread.
const queryLengthThreshold = 150

// Router is a pure deterministic tier classifier. The same query and
// flags always produce the same tier; there is no model in the loop
// and no randomness.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex
	auditLog []Decision
	maxAudit int
}

// NewRouter creates a tier router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, maxAudit: 200}
}

// Route classifies a query into a tier. needsTools forces the capable
// tier since the fast tier's tool calling is unreliable.
func (r *Router) Route(query string, needsTools bool) (Tier, Decision) {
	d := Decision{
		Timestamp:   time.Now(),
		QueryLength: len(query),
		NeedsTools:  needsTools,
	}

	tier := TierFast
	switch {
	case needsTools:
		tier = TierCapable
		d.Reasoning = "capability use requested"
	case len(query) > queryLengthThreshold:
		tier = TierCapable
		d.Reasoning = "query length over threshold"
	default:
		q := strings.ToLower(query)
		for _, kw := range capableKeywords {
			if strings.Contains(q, kw) {
				tier = TierCapable
				d.Reasoning = "task keyword: " + kw
				break
			}
		}
		if tier == TierFast {
			d.Reasoning = "short conversational query"
		}
	}

	d.Tier = tier.String()
	r.record(d)

	r.logger.Debug("tier routed",
		"tier", d.Tier,
		"query_length", d.QueryLength,
		"reasoning", d.Reasoning,
	)
	return tier, d
}

func (r *Router) record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.auditLog) >= r.maxAudit {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)
}

// AuditLog returns the most recent routing decisions.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	out := make([]Decision, limit)
	copy(out, r.auditLog[start:])
	return out
}
