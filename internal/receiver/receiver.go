package receiver

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Inbox is the folder polled by ReceiveInbox.
const Inbox = "INBOX"

// DefaultTimeout applies when Params.Timeout is not set.
const DefaultTimeout = 5 * time.Second

// Protocol selects how a mailbox is accessed.
type Protocol int

const (
	POP3 Protocol = iota + 1
	IMAP
)

func (p Protocol) String() string {
	switch p {
	case POP3:
		return "pop3"
	case IMAP:
		return "imap"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol maps a configuration value ("pop3" or "imap") to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pop3", "pop":
		return POP3, nil
	case "imap":
		return IMAP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol: %q", s)
	}
}

// Params holds the connection parameters of one mailbox.
type Params struct {
	Protocol      Protocol
	Host          string
	Port          int
	Username      string
	Password      string
	UseTLS        bool
	TLSSkipVerify bool
	Timeout       time.Duration

	// Debug receives the raw IMAP protocol trace when set.
	Debug io.Writer
}

func (p Params) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Params) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p Params) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         p.Host,
		InsecureSkipVerify: p.TLSSkipVerify,
	}
}

// Message is a message read from a mailbox folder.
type Message struct {
	SeqNum    int    // position in the folder, 1-based
	ID        string // POP3 UIDL or IMAP UID, empty when the server has none
	MessageID string
	Subject   string
	From      []*mail.Address
	ReplyTo   []*mail.Address
	Header    mail.Header

	// Date is the received date for IMAP and the Date header for POP3.
	// The zero value means the date is unknown.
	Date time.Time

	Seen    bool
	Deleted bool
	Content Content
	Raw     []byte // raw RFC 5322 message bytes

	loaded bool
}

// Loaded reports whether headers and body have been read.
func (m *Message) Loaded() bool { return m.loaded }

// fill copies the parsed headers and body of p into m. Position, ID and
// flags stay as listed; the Date header is used only when m has no date.
func (m *Message) fill(p *Message) {
	m.MessageID = p.MessageID
	m.Subject = p.Subject
	m.From = p.From
	m.ReplyTo = p.ReplyTo
	m.Header = p.Header
	m.Content = p.Content
	m.Raw = p.Raw
	if m.Date.IsZero() {
		m.Date = p.Date
	}
	m.loaded = true
}

// Filter decides whether a message is handed to the processor.
type Filter interface {
	Accept(msg *Message) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(msg *Message) bool

func (f FilterFunc) Accept(msg *Message) bool { return f(msg) }

// Processor handles an accepted message. date is msg.Date and is zero when
// the received date is unknown.
type Processor interface {
	ProcessMessage(msg *Message, date time.Time) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(msg *Message, date time.Time) error

func (f ProcessorFunc) ProcessMessage(msg *Message, date time.Time) error { return f(msg, date) }

// Mode is the access mode a folder is opened with.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Store is a connection to a mail account.
type Store interface {
	Connect() error
	Folder(name string) (Folder, error)
	// Close is safe to call on a store that never connected.
	Close() error
}

// Folder is a named collection of messages inside a Store.
type Folder interface {
	Open(mode Mode) error
	Mode() Mode
	// Messages lists the folder. Bodies may not be read yet.
	Messages() ([]*Message, error)
	// Load reads the headers and body of msg. It is a no-op when msg is
	// already loaded.
	Load(msg *Message) error
	MarkDeleted(msg *Message) error
	MarkSeen(msg *Message) error
	// Close commits pending flag changes. It is a no-op when the folder
	// is not open.
	Close() error
}

// StoreFactory builds an unconnected Store for p.
type StoreFactory func(p Params, logger *slog.Logger) (Store, error)

// NewStore returns the library-backed store for p.Protocol.
func NewStore(p Params, logger *slog.Logger) (Store, error) {
	switch p.Protocol {
	case POP3:
		return newPOP3Store(p, logger), nil
	case IMAP:
		return newIMAPStore(p, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", p.Protocol)
	}
}

// ReceiveError reports a failure to connect to or read from a mailbox.
type ReceiveError struct {
	Protocol Protocol
	Cause    error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("%s receive: %v", e.Protocol, e.Cause)
}

func (e *ReceiveError) Unwrap() error { return e.Cause }
