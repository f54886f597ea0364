package receiver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Receiver polls one mailbox and hands accepted messages to a Processor.
// It is not safe for concurrent use.
type Receiver struct {
	params    Params
	filter    Filter
	processor Processor
	newStore  StoreFactory
	logger    *slog.Logger
	lastCheck time.Time
	now       func() time.Time
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithFilter installs an acceptance filter. A nil filter accepts everything.
func WithFilter(f Filter) Option {
	return func(r *Receiver) { r.filter = f }
}

// WithLastCheck seeds the last-check timestamp, e.g. from a checkpoint.
func WithLastCheck(t time.Time) Option {
	return func(r *Receiver) { r.lastCheck = t }
}

// WithStoreFactory replaces the library-backed store.
func WithStoreFactory(fn StoreFactory) Option {
	return func(r *Receiver) { r.newStore = fn }
}

// New creates a Receiver for the mailbox described by p.
func New(p Params, processor Processor, logger *slog.Logger, opts ...Option) (*Receiver, error) {
	if processor == nil {
		return nil, errors.New("processor must not be nil")
	}
	if p.Protocol != POP3 && p.Protocol != IMAP {
		return nil, fmt.Errorf("unsupported protocol: %s", p.Protocol)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		params:    p,
		processor: processor,
		newStore:  NewStore,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Protocol returns the protocol the receiver polls with.
func (r *Receiver) Protocol() Protocol { return r.params.Protocol }

// LastCheck returns the time of the last successful poll.
func (r *Receiver) LastCheck() (time.Time, bool) {
	return r.lastCheck, !r.lastCheck.IsZero()
}

// SetLastCheck overrides the last-check timestamp. The zero time clears it.
func (r *Receiver) SetLastCheck(t time.Time) { r.lastCheck = t }

// ReceiveInbox polls the INBOX folder.
func (r *Receiver) ReceiveInbox() error {
	return r.Receive(Inbox)
}

// Receive reads every message of folderName and dispatches the ones not
// handled by a previous poll. Connection and folder failures are returned
// as *ReceiveError; a processor error aborts the remaining messages and is
// returned as is. The folder and store are closed on every path.
func (r *Receiver) Receive(folderName string) error {
	log := r.logger.With(
		"protocol", r.params.Protocol.String(),
		"host", r.params.Host,
		"port", r.params.Port,
		"username", r.params.Username,
		"folder", folderName,
	)
	log.Debug("receive started")

	store, err := r.newStore(r.params, r.logger)
	if err != nil {
		return r.fail(log, err)
	}

	var folder Folder
	defer func() {
		if folder != nil {
			if err := folder.Close(); err != nil {
				log.Warn("error closing folder", "error", err)
			}
		}
		if err := store.Close(); err != nil {
			log.Warn("error closing store", "error", err)
		}
	}()

	log.Debug("connecting to store", "addr", r.params.addr())
	if err := store.Connect(); err != nil {
		return r.fail(log, err)
	}

	f, err := store.Folder(folderName)
	if err != nil {
		return r.fail(log, fmt.Errorf("get folder %q: %w", folderName, err))
	}
	if f == nil {
		return r.fail(log, fmt.Errorf("got nil handle for folder %q", folderName))
	}
	folder = f

	if err := openFolder(folder, log); err != nil {
		return r.fail(log, err)
	}

	msgs, err := folder.Messages()
	if err != nil {
		return r.fail(log, fmt.Errorf("list messages: %w", err))
	}
	log.Debug("listed messages", "count", len(msgs), "mode", folder.Mode().String())

	for _, msg := range msgs {
		if err := r.handle(folder, msg, log); err != nil {
			return err
		}
	}

	r.lastCheck = r.now()
	log.Debug("account checked without error", "messages", len(msgs))
	return nil
}

func (r *Receiver) fail(log *slog.Logger, err error) error {
	log.Error("unable to receive from account", "error", err)
	return &ReceiveError{Protocol: r.params.Protocol, Cause: err}
}

func openFolder(folder Folder, log *slog.Logger) error {
	log.Debug("opening folder read-write")
	if err := folder.Open(ReadWrite); err != nil {
		log.Debug("opening folder read-write failed, trying read-only", "error", err)
		if err := folder.Open(ReadOnly); err != nil {
			return fmt.Errorf("open folder: %w", err)
		}
	}
	return nil
}

// handle applies the protocol cleanup policy around dispatch. POP3
// messages are deleted once read; IMAP messages stay and are marked seen.
// Bodies are only read for messages that may be dispatched.
func (r *Receiver) handle(folder Folder, msg *Message, log *slog.Logger) error {
	writable := folder.Mode() == ReadWrite
	log = log.With("seq", msg.SeqNum, "msg_id", msg.ID)

	switch r.params.Protocol {
	case POP3:
		if !load(folder, msg, log) {
			return nil
		}
		if r.isNewPOP3(msg) {
			if err := r.dispatch(msg, log); err != nil {
				return err
			}
		} else {
			log.Debug("skipping message dated before last check", "date", msg.Date)
		}
		if writable {
			if err := folder.MarkDeleted(msg); err != nil {
				log.Warn("mark deleted failed", "error", err)
			}
		}
	case IMAP:
		if !r.lastCheck.IsZero() && msg.Seen {
			log.Debug("skipping seen message")
			return nil
		}
		if !load(folder, msg, log) {
			return nil
		}
		if err := r.dispatch(msg, log); err != nil {
			return err
		}
		if writable && !msg.Seen {
			if err := folder.MarkSeen(msg); err != nil {
				log.Warn("mark seen failed", "error", err)
			}
		}
	}
	return nil
}

// load reads the body of msg. Unreadable messages are skipped and left on
// the server.
func load(folder Folder, msg *Message, log *slog.Logger) bool {
	if msg.Loaded() {
		return true
	}
	if err := folder.Load(msg); err != nil {
		log.Warn("message unreadable, skipping", "error", err)
		return false
	}
	return true
}

// isNewPOP3 reports whether a POP3 message may not have been handled yet.
// Messages with an unknown date are always processed.
func (r *Receiver) isNewPOP3(msg *Message) bool {
	return r.lastCheck.IsZero() || msg.Date.IsZero() || msg.Date.After(r.lastCheck)
}

// dispatch is the filter gate in front of the processor.
func (r *Receiver) dispatch(msg *Message, log *slog.Logger) error {
	if r.filter != nil && !r.filter.Accept(msg) {
		log.Info("email rejected by filter")
		return nil
	}
	if r.filter != nil {
		log.Info("email accepted by filter, processing")
	}
	if err := r.processor.ProcessMessage(msg, msg.Date); err != nil {
		return fmt.Errorf("process message %d: %w", msg.SeqNum, err)
	}
	return nil
}
