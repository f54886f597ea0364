package archive

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailintake/internal/receiver"
)

func TestMboxAppendsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archive.mbox")
	m, err := NewMbox(path)
	require.NoError(t, err)

	first := &receiver.Message{
		From: []*mail.Address{{Address: "alice@example.com"}},
		Raw:  []byte("From: alice@example.com\r\nSubject: one\r\n\r\nfirst body\r\n"),
	}
	second := &receiver.Message{
		Raw: []byte("Subject: two\r\n\r\nsecond body\r\n"),
	}

	require.NoError(t, m.ProcessMessage(first, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NoError(t, m.ProcessMessage(second, time.Time{}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "From alice@example.com ")
	assert.Contains(t, string(data), "From MAILER-DAEMON ")

	r := mbox.NewReader(f)
	var bodies []string
	for {
		mr, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(mr)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
	}
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "Subject: one")
	assert.Contains(t, bodies[1], "Subject: two")
}

type failingCloser struct {
	io.Writer
}

func (failingCloser) Close() error { return errors.New("disk quota exceeded") }

func TestMboxReportsCloseError(t *testing.T) {
	m, err := NewMbox(filepath.Join(t.TempDir(), "archive.mbox"))
	require.NoError(t, err)
	m.open = func(string) (io.WriteCloser, error) {
		return failingCloser{Writer: io.Discard}, nil
	}

	err = m.ProcessMessage(&receiver.Message{Raw: []byte("Subject: x\r\n\r\ny\r\n")}, time.Time{})
	assert.ErrorContains(t, err, "close mbox: disk quota exceeded")
}
