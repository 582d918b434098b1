package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/opstate"
	"github.com/vesperhq/vesper/internal/reasoning"
)

const (
	pollStateNamespace = "email_poll"
	pollStateKey       = "inbox"
)

// Agent handles one conversational turn.
type Agent interface {
	HandleTurn(ctx context.Context, turn *agent.Turn, stream reasoning.StreamCallback) (*agent.Result, error)
}

// mailbox is the slice of Client the poller needs; tests inject a
// fake.
type mailbox interface {
	ListSince(ctx context.Context, sinceUID uint32) ([]Envelope, error)
	ReadMessage(ctx context.Context, uid uint32) (*Message, error)
}

// sendFunc delivers one composed reply.
type sendFunc func(cfg SMTPConfig, from, to string, raw []byte) error

// Poller watches a mailbox and turns incoming messages from allowed
// senders into agent turns, replying in-thread with the answer.
type Poller struct {
	cfg     Config
	mailbox mailbox
	agent   Agent
	state   *opstate.Store
	send    sendFunc
	logger  *slog.Logger

	allowed map[string]bool
}

// NewPoller wires the channel. An empty allow list disables it at
// Start rather than answering the whole world.
func NewPoller(cfg Config, mb mailbox, a Agent, state *opstate.Store, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Minute
	}
	allowed := make(map[string]bool, len(cfg.AllowedSenders))
	for _, s := range cfg.AllowedSenders {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Poller{
		cfg:     cfg,
		mailbox: mb,
		agent:   a,
		state:   state,
		send:    sendMail,
		logger:  logger,
		allowed: allowed,
	}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	if len(p.allowed) == 0 {
		p.logger.Warn("email channel disabled, no allowed senders configured")
		return nil
	}

	p.logger.Info("email channel started",
		"address", p.cfg.Address,
		"interval", p.cfg.PollInterval,
		"allowed_senders", len(p.allowed))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll processes every message above the stored high-water mark. The
// mark advances per message so a crash mid-batch repeats at most one
// turn.
func (p *Poller) poll(ctx context.Context) {
	mark, seeded, err := p.loadMark(ctx)
	if err != nil {
		p.logger.Error("load poll state failed", "error", err)
		return
	}

	envelopes, err := p.mailbox.ListSince(ctx, mark)
	if err != nil {
		p.logger.Error("list mailbox failed", "error", err)
		return
	}
	if len(envelopes) == 0 {
		return
	}

	// First run only records the newest UID. Without this the entire
	// historical inbox would flood the agent on initial deployment.
	if !seeded {
		latest := envelopes[len(envelopes)-1].UID
		if err := p.saveMark(ctx, latest); err != nil {
			p.logger.Error("seed poll state failed", "error", err)
		}
		p.logger.Info("email poll state seeded", "uid", latest)
		return
	}

	for _, env := range envelopes {
		if ctx.Err() != nil {
			return
		}
		p.handleMessage(ctx, env)
		if err := p.saveMark(ctx, env.UID); err != nil {
			p.logger.Error("save poll state failed", "uid", env.UID, "error", err)
			return
		}
	}
}

func (p *Poller) handleMessage(ctx context.Context, env Envelope) {
	sender := bareAddress(env.From)
	if !p.allowed[sender] {
		p.logger.Debug("ignoring email from unallowed sender", "from", sender, "uid", env.UID)
		return
	}

	msg, err := p.mailbox.ReadMessage(ctx, env.UID)
	if err != nil {
		p.logger.Error("read email failed", "uid", env.UID, "error", err)
		return
	}
	if strings.TrimSpace(msg.TextBody) == "" {
		p.logger.Debug("email has no text body, skipping", "uid", env.UID)
		return
	}

	p.logger.Info("email received", "from", sender, "subject", msg.Subject, "uid", env.UID)

	turn := &agent.Turn{
		Channel: "email",
		Text: fmt.Sprintf("Email from %s\nSubject: %s\n\n%s",
			msg.From, msg.Subject, msg.TextBody),
	}
	result, err := p.agent.HandleTurn(ctx, turn, nil)
	if err != nil {
		p.logger.Error("email turn failed", "uid", env.UID, "error", err)
		return
	}

	if err := p.reply(msg, result.Text); err != nil {
		p.logger.Error("email reply failed", "uid", env.UID, "error", err)
		return
	}
	p.logger.Info("email answered", "to", sender, "uid", env.UID, "session", result.SessionID)
}

func (p *Poller) reply(msg *Message, text string) error {
	raw, err := composeReply(Reply{
		From:       p.cfg.Address,
		To:         msg.From,
		Subject:    replySubject(msg.Subject),
		InReplyTo:  msg.MessageID,
		References: msg.References,
		Markdown:   text,
	})
	if err != nil {
		return err
	}
	return p.send(p.cfg.SMTP, p.cfg.Address, bareAddress(msg.From), raw)
}

// loadMark returns the persisted high-water UID; seeded is false on a
// fresh deployment.
func (p *Poller) loadMark(ctx context.Context) (uint32, bool, error) {
	value, err := p.state.Get(ctx, pollStateNamespace, pollStateKey)
	if err != nil {
		return 0, false, err
	}
	if value == "" {
		return 0, false, nil
	}
	uid, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt poll state %q: %w", value, err)
	}
	return uint32(uid), true, nil
}

func (p *Poller) saveMark(ctx context.Context, uid uint32) error {
	return p.state.Set(ctx, pollStateNamespace, pollStateKey, strconv.FormatUint(uint64(uid), 10))
}
