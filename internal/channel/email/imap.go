package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxRawMessageSize caps how much of one raw message is buffered; the
// rest of the IMAP literal is drained to keep the stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// maxBodyText caps the body text fed into a turn.
const maxBodyText = 32 * 1024

// Envelope is the summary of one inbox message.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string
	Subject string
}

// Message is a fetched message with its text body extracted.
type Message struct {
	Envelope
	MessageID  string
	InReplyTo  []string
	References []string
	TextBody   string
}

// Client wraps go-imap/v2 with reconnection and mutex-serialized
// access. All public methods are goroutine-safe.
type Client struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client; the connection is established
// lazily on first use.
func NewClient(cfg IMAPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	var opts imapclient.Options

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.client = client
	c.logger.Info("imap connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected reconnects when the session has gone stale. Caller
// must hold c.mu.
func (c *Client) ensureConnected() error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("imap connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked()
}

// Ping verifies the mailbox is reachable.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected()
}

// ListSince returns INBOX envelopes with UIDs strictly greater than
// sinceUID, oldest first. sinceUID 0 returns only the newest message,
// which callers use to seed their high-water mark.
func (c *Client) ListSince(ctx context.Context, sinceUID uint32) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := c.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{}
	if sinceUID > 0 {
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}},
		}
	}

	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if sinceUID == 0 && len(uids) > 1 {
		uids = uids[len(uids)-1:]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	})

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var env Envelope
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				env.UID = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					env.Date = data.Envelope.Date
					env.Subject = data.Envelope.Subject
					if len(data.Envelope.From) > 0 {
						env.From = formatAddress(data.Envelope.From[0])
					}
				}
			}
		}
		if env.UID != 0 {
			envelopes = append(envelopes, env)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	// Fetch responses can arrive in any order; callers depend on
	// oldest-first.
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].UID < envelopes[j].UID })
	return envelopes, nil
}

// ReadMessage fetches one message by UID and extracts its text body.
func (c *Client) ReadMessage(ctx context.Context, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := c.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false},
		},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	result := &Message{}
	var rawBody []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				result.Date = data.Envelope.Date
				result.Subject = data.Envelope.Subject
				result.MessageID = trimMsgID(data.Envelope.MessageID)
				for _, id := range data.Envelope.InReplyTo {
					result.InReplyTo = append(result.InReplyTo, trimMsgID(id))
				}
				if len(data.Envelope.From) > 0 {
					result.From = formatAddress(data.Envelope.From[0])
				}
			}
		case imapclient.FetchItemDataBodySection:
			// The literal streams off the connection; it must be
			// consumed before the next item.
			if data.Literal == nil {
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("read body literal failed", "uid", uid, "error", readErr)
				rawBody = nil
			}
		}
	}

	if rawBody != nil {
		if err := parseBody(result, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse failed", "uid", uid, "error", err)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch message UID %d: %w", uid, err)
	}
	return result, nil
}

// parseBody walks the MIME structure for the text/plain part and the
// References header. go-message may return a usable reader together
// with an unknown-charset error; that content is still good enough
// for a turn.
func parseBody(msg *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return fmt.Errorf("create mail reader: %w", err)
	}

	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		msg.References = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, _ := header.ContentType()
		if ctype != "text/plain" && !(ctype == "text/html" && msg.TextBody == "") {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodyText))
		if err != nil {
			continue
		}
		text := string(body)
		if ctype == "text/html" {
			text = stripTags(text)
		}
		if ctype == "text/plain" || msg.TextBody == "" {
			msg.TextBody = strings.TrimSpace(text)
		}
		if ctype == "text/plain" {
			break
		}
	}
	return nil
}

// trimMsgID strips the angle brackets some servers include in
// ENVELOPE message IDs; the composer adds its own.
func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func formatAddress(addr imap.Address) string {
	email := addr.Mailbox + "@" + addr.Host
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

// stripTags is a crude HTML-to-text fallback for messages without a
// plain part.
func stripTags(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
