package receiver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// imapStore reads folders of an IMAP/IMAPS account.
type imapStore struct {
	params Params
	logger *slog.Logger
	client *imapclient.Client
	conn   *timeoutConn
}

func newIMAPStore(p Params, logger *slog.Logger) *imapStore {
	return &imapStore{params: p, logger: logger}
}

func (s *imapStore) Connect() error {
	addr := s.params.addr()

	var tlsConfig *tls.Config
	if s.params.UseTLS {
		tlsConfig = s.params.tlsConfig()
		tlsConfig.NextProtos = []string{"imap"}
	}
	conn, raw, err := timeoutDialer{timeout: s.params.timeout()}.dialIMAP(addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("imap connect %s: %w", addr, err)
	}
	s.conn = raw

	client := imapclient.New(conn, &imapclient.Options{
		TLSConfig:   s.params.tlsConfig(),
		DebugWriter: s.params.Debug,
	})
	s.client = client
	err = s.wait(func() error {
		return client.Login(s.params.Username, s.params.Password).Wait()
	})
	if err != nil {
		_ = client.Close()
		s.client = nil
		return fmt.Errorf("imap login %s: %w", s.params.Username, err)
	}
	return nil
}

// wait runs one command round trip with the socket timeout armed. Between
// commands the connection may sit idle while messages are processed.
func (s *imapStore) wait(fn func() error) error {
	s.conn.arm()
	defer s.conn.disarm()
	return fn()
}

func (s *imapStore) Folder(name string) (Folder, error) {
	if s.client == nil {
		return nil, errNotConnected
	}
	return &imapFolder{store: s, name: name}, nil
}

func (s *imapStore) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	err := s.wait(func() error { return client.Logout().Wait() })
	_ = client.Close()
	if err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

type imapFolder struct {
	store       *imapStore
	name        string
	mode        Mode
	open        bool
	numMessages uint32
}

// Open selects the folder; read-only uses EXAMINE.
func (f *imapFolder) Open(mode Mode) error {
	var data *imap.SelectData
	err := f.store.wait(func() (err error) {
		data, err = f.store.client.Select(f.name, &imap.SelectOptions{ReadOnly: mode == ReadOnly}).Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("imap select %s: %w", f.name, err)
	}
	f.mode = mode
	f.open = true
	f.numMessages = data.NumMessages
	return nil
}

func (f *imapFolder) Mode() Mode { return f.mode }

// Messages fetches UID, flags and internal date of every message. Bodies
// are read by Load.
func (f *imapFolder) Messages() ([]*Message, error) {
	if !f.open {
		return nil, errors.New("imap folder is not open")
	}
	if f.numMessages == 0 {
		return nil, nil
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(1, f.numMessages)

	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
	}
	var buffers []*imapclient.FetchMessageBuffer
	err := f.store.wait(func() (err error) {
		buffers, err = f.store.client.Fetch(seqSet, fetchOptions).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	out := make([]*Message, 0, len(buffers))
	for _, buf := range buffers {
		msg := &Message{
			SeqNum: int(buf.SeqNum),
			ID:     strconv.FormatUint(uint64(buf.UID), 10),
			Date:   buf.InternalDate,
		}
		for _, flag := range buf.Flags {
			switch flag {
			case imap.FlagSeen:
				msg.Seen = true
			case imap.FlagDeleted:
				msg.Deleted = true
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Load fetches BODY.PEEK[] so reading does not set \Seen.
func (f *imapFolder) Load(msg *Message) error {
	if msg.Loaded() {
		return nil
	}
	if !f.open {
		return errors.New("imap folder is not open")
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	var buffers []*imapclient.FetchMessageBuffer
	err := f.store.wait(func() (err error) {
		buffers, err = f.store.client.Fetch(imap.SeqSetNum(uint32(msg.SeqNum)), fetchOptions).Collect()
		return err
	})
	if err != nil {
		return fmt.Errorf("imap fetch body %d: %w", msg.SeqNum, err)
	}
	if len(buffers) == 0 {
		return fmt.Errorf("imap message %d vanished", msg.SeqNum)
	}

	content := buffers[0].FindBodySection(bodySection)
	if len(content) == 0 {
		return fmt.Errorf("imap message %d has an empty body", msg.SeqNum)
	}
	parsed, err := ParseMessage(content)
	if err != nil {
		return fmt.Errorf("imap message %d: %w", msg.SeqNum, err)
	}
	msg.fill(parsed)
	return nil
}

func (f *imapFolder) MarkDeleted(msg *Message) error {
	if err := f.addFlag(msg, imap.FlagDeleted); err != nil {
		return err
	}
	msg.Deleted = true
	return nil
}

func (f *imapFolder) MarkSeen(msg *Message) error {
	if err := f.addFlag(msg, imap.FlagSeen); err != nil {
		return err
	}
	msg.Seen = true
	return nil
}

func (f *imapFolder) addFlag(msg *Message, flag imap.Flag) error {
	if !f.open || f.mode != ReadWrite {
		return errors.New("imap folder is not open read-write")
	}
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}
	err := f.store.wait(func() error {
		return f.store.client.Store(imap.SeqSetNum(uint32(msg.SeqNum)), storeFlags, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("imap store %s on %d: %w", flag, msg.SeqNum, err)
	}
	return nil
}

// Close issues CLOSE, expunging messages marked \Deleted.
func (f *imapFolder) Close() error {
	if !f.open {
		return nil
	}
	f.open = false
	err := f.store.wait(func() error { return f.store.client.UnselectAndExpunge().Wait() })
	if err != nil {
		return fmt.Errorf("imap close %s: %w", f.name, err)
	}
	return nil
}
