package email

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// Reply describes an outbound threaded answer. Message IDs are bare,
// without angle brackets; the writer adds them.
type Reply struct {
	From       string
	To         string
	Subject    string
	InReplyTo  string
	References []string
	Markdown   string
}

var (
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic     = regexp.MustCompile(`(^|[^*])\*([^*]+)\*`)
	reCodeFence  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// markdownToPlain flattens markdown into readable plain text for the
// text/plain alternative.
func markdownToPlain(md string) string {
	out := reCodeFence.ReplaceAllString(md, "$1")
	out = reInlineCode.ReplaceAllString(out, "$1")
	out = reBold.ReplaceAllString(out, "$1")
	out = reItalic.ReplaceAllString(out, "$1$2")
	out = reHeading.ReplaceAllString(out, "")
	out = reLink.ReplaceAllString(out, "$1 ($2)")
	return strings.TrimSpace(out)
}

// markdownToHTML renders the HTML alternative.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return fmt.Sprintf("<html><body>%s</body></html>", buf.String()), nil
}

// composeReply builds a full RFC 5322 message with text and HTML
// alternatives and threading headers pointing at the message being
// answered.
func composeReply(r Reply) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(r.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	toAddr, err := mail.ParseAddress(r.To)
	if err != nil {
		return nil, fmt.Errorf("parse to address: %w", err)
	}

	var header mail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{fromAddr})
	header.SetAddressList("To", []*mail.Address{toAddr})
	header.SetSubject(r.Subject)
	if err := header.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	if r.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{r.InReplyTo})
		refs := append([]string{}, r.References...)
		refs = append(refs, r.InReplyTo)
		header.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}

	var plainHeader mail.InlineHeader
	plainHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(plainHeader)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := pw.Write([]byte(markdownToPlain(r.Markdown))); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	_ = pw.Close()

	html, err := markdownToHTML(r.Markdown)
	if err != nil {
		return nil, err
	}
	var htmlHeader mail.InlineHeader
	htmlHeader.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	hw, err := iw.CreatePart(htmlHeader)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := hw.Write([]byte(html)); err != nil {
		return nil, fmt.Errorf("write html part: %w", err)
	}
	_ = hw.Close()

	_ = iw.Close()
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalize message: %w", err)
	}
	return buf.Bytes(), nil
}

// replySubject prefixes Re: unless the thread already carries one.
func replySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// bareAddress extracts the address from "Name <addr>" forms.
func bareAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}
