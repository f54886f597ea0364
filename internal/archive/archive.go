// Package archive appends received messages to an mbox file.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/tracyhatemice/mailintake/internal/receiver"
)

// unknownSender is the envelope sender of messages without From/Reply-To.
const unknownSender = "MAILER-DAEMON"

// Mbox is a receiver.Processor that appends each message to an mbox file.
type Mbox struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	open func(path string) (io.WriteCloser, error)
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// NewMbox creates the parent directory of path and returns an archive
// writing to it.
func NewMbox(path string) (*Mbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mbox dir: %w", err)
	}
	return &Mbox{path: path, now: time.Now, open: openAppend}, nil
}

// ProcessMessage appends msg. The "From " line carries date, or the
// current time when the received date is unknown.
func (m *Mbox) ProcessMessage(msg *receiver.Message, date time.Time) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.open(m.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close mbox: %w", cerr)
		}
	}()

	from := receiver.Sender(msg)
	if from == "" {
		from = unknownSender
	}
	if date.IsZero() {
		date = m.now()
	}

	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := mw.Write(msg.Raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close mbox writer: %w", err)
	}
	return nil
}
