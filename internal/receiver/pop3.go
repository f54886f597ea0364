package receiver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	pop3client "github.com/knadh/go-pop3"
)

var errNotConnected = errors.New("store is not connected")

// pop3Store reads the single INBOX of a POP3/POP3S account.
type pop3Store struct {
	params Params
	logger *slog.Logger
	conn   *pop3client.Conn
}

func newPOP3Store(p Params, logger *slog.Logger) *pop3Store {
	return &pop3Store{params: p, logger: logger}
}

func (s *pop3Store) Connect() error {
	addr := s.params.addr()

	client := pop3client.New(pop3client.Opt{
		Host:          s.params.Host,
		Port:          s.params.Port,
		DialTimeout:   s.params.timeout(),
		Dialer:        timeoutDialer{timeout: s.params.timeout()},
		TLSEnabled:    s.params.UseTLS,
		TLSSkipVerify: s.params.TLSSkipVerify,
	})
	conn, err := client.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 connect %s: %w", addr, err)
	}

	if err := conn.Auth(s.params.Username, s.params.Password); err != nil {
		_ = conn.Quit()
		return fmt.Errorf("pop3 auth %s: %w", s.params.Username, err)
	}
	s.conn = conn
	return nil
}

// Folder only knows INBOX, the one mailbox POP3 exposes.
func (s *pop3Store) Folder(name string) (Folder, error) {
	if s.conn == nil {
		return nil, errNotConnected
	}
	if !strings.EqualFold(name, Inbox) {
		return nil, fmt.Errorf("pop3 has no folder %q", name)
	}
	return &pop3Folder{store: s}, nil
}

// Close sends QUIT, which commits pending deletions.
func (s *pop3Store) Close() error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

type pop3Folder struct {
	store *pop3Store
	mode  Mode
	open  bool
}

func (f *pop3Folder) Open(mode Mode) error {
	if f.store.conn == nil {
		return errNotConnected
	}
	f.mode = mode
	f.open = true
	return nil
}

func (f *pop3Folder) Mode() Mode { return f.mode }

func (f *pop3Folder) Messages() ([]*Message, error) {
	if !f.open {
		return nil, errors.New("pop3 folder is not open")
	}
	conn := f.store.conn

	msgs, err := conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w", err)
	}
	f.store.logger.Debug("fetched message list", "count", len(msgs))

	uids := make(map[int]string, len(msgs))
	if list, err := conn.Uidl(0); err != nil {
		f.store.logger.Debug("pop3 uidl unavailable", "error", err)
	} else {
		for _, m := range list {
			uids[m.ID] = m.UID
		}
	}

	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &Message{SeqNum: m.ID, ID: uids[m.ID]})
	}
	return out, nil
}

// Load issues RETR. Reading does not change the message on the server.
func (f *pop3Folder) Load(msg *Message) error {
	if msg.Loaded() {
		return nil
	}
	if !f.open {
		return errors.New("pop3 folder is not open")
	}
	rawBuf, err := f.store.conn.RetrRaw(msg.SeqNum)
	if err != nil {
		return fmt.Errorf("pop3 retr %d: %w", msg.SeqNum, err)
	}
	parsed, err := ParseMessage(rawBuf.Bytes())
	if err != nil {
		return fmt.Errorf("pop3 message %d: %w", msg.SeqNum, err)
	}
	msg.fill(parsed)
	return nil
}

// MarkDeleted issues DELE; the server removes the message on QUIT.
func (f *pop3Folder) MarkDeleted(msg *Message) error {
	if !f.open || f.mode != ReadWrite {
		return errors.New("pop3 folder is not open read-write")
	}
	if err := f.store.conn.Dele(msg.SeqNum); err != nil {
		return fmt.Errorf("pop3 dele %d: %w", msg.SeqNum, err)
	}
	msg.Deleted = true
	return nil
}

// MarkSeen is a no-op: POP3 keeps no per-message flags.
func (f *pop3Folder) MarkSeen(*Message) error { return nil }

func (f *pop3Folder) Close() error {
	f.open = false
	return nil
}
