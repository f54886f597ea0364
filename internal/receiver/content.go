package receiver

import (
	"log/slog"
	"strings"
)

// MIMETextPlain is the preferred part type of MessageText.
const MIMETextPlain = "text/plain"

// Part is one body part of a message.
type Part struct {
	ContentType string // lowercased media type, e.g. "text/plain"
	Text        string

	// IsText is false for binary parts and nested multiparts, whose
	// content is not kept.
	IsText bool
}

// Content is a message body: a single part, or the direct children of a
// multipart body.
type Content struct {
	Multipart bool
	Body      Part   // set when !Multipart
	Parts     []Part // set when Multipart
}

// MessageText returns the best plain-text body of msg. A single-part body
// is returned when it is text. For multipart bodies the first text/plain
// part wins, then the first part of any text type.
func MessageText(msg *Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	c := msg.Content
	if !c.Multipart {
		if c.Body.IsText {
			return c.Body.Text, true
		}
		return "", false
	}
	if text, ok := PartText(c.Parts, MIMETextPlain); ok {
		return text, true
	}
	return PartText(c.Parts, "text")
}

// PartText returns the content of the first text part whose content type
// starts with mimePrefix. Matching parts without text content are logged
// and skipped. Nested multiparts are not searched.
func PartText(parts []Part, mimePrefix string) (string, bool) {
	for _, p := range parts {
		if !strings.HasPrefix(p.ContentType, mimePrefix) {
			continue
		}
		if p.IsText {
			return p.Text, true
		}
		slog.Warn("message part matches type but has no text content, skipping",
			"content_type", p.ContentType, "prefix", mimePrefix)
	}
	return "", false
}
