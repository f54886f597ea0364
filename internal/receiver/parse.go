package receiver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseMessage decodes raw RFC 5322 bytes into a Message. Unknown charsets
// and transfer encodings are tolerated; a missing or unparseable Date
// header leaves Date zero.
func ParseMessage(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	msg := &Message{
		Header:  h,
		From:    addressList(h, "From"),
		ReplyTo: addressList(h, "Reply-To"),
		Content: readContent(entity),
		Raw:     raw,
		loaded:  true,
	}
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	return msg, nil
}

func addressList(h mail.Header, key string) []*mail.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	return list
}

func readContent(entity *message.Entity) Content {
	mr := entity.MultipartReader()
	if mr == nil {
		return Content{Body: readPart(entity)}
	}

	c := Content{Multipart: true}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) || part == nil {
			break
		}
		c.Parts = append(c.Parts, readPart(part))
	}
	return c
}

func readPart(e *message.Entity) Part {
	ct, _, err := e.Header.ContentType()
	if err != nil || ct == "" {
		// RFC 2045 default.
		ct = MIMETextPlain
	}
	if !strings.HasPrefix(ct, "text/") {
		return Part{ContentType: ct}
	}
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return Part{ContentType: ct}
	}
	return Part{ContentType: ct, Text: string(body), IsText: true}
}
