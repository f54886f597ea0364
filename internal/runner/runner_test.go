package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailintake/internal/config"
	"github.com/tracyhatemice/mailintake/internal/receiver"
)

type fakeMailbox struct {
	mu      sync.Mutex
	folders []string
	err     error
	last    time.Time
}

func (m *fakeMailbox) Receive(folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders = append(m.folders, folder)
	if m.err != nil {
		return m.err
	}
	m.last = time.Date(2024, 1, 1, 0, 0, len(m.folders), 0, time.UTC)
	return nil
}

func (m *fakeMailbox) LastCheck() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, !m.last.IsZero()
}

func (m *fakeMailbox) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.folders)
}

type fakeCheckpoint struct {
	saved []time.Time
	err   error
}

func (c *fakeCheckpoint) Save(ts time.Time) error {
	if c.err != nil {
		return c.err
	}
	c.saved = append(c.saved, ts)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollSavesCheckpoint(t *testing.T) {
	mb := &fakeMailbox{}
	cp := &fakeCheckpoint{}
	r := New(config.Account{Name: "work", Folder: "Lists"}, mb, cp, testLogger())

	require.NoError(t, r.Poll())
	assert.Equal(t, []string{"Lists"}, mb.folders)
	require.Len(t, cp.saved, 1)
	assert.Equal(t, mb.last, cp.saved[0])
}

func TestPollFailureSkipsCheckpoint(t *testing.T) {
	cause := &receiver.ReceiveError{Protocol: receiver.IMAP, Cause: errors.New("refused")}
	mb := &fakeMailbox{err: cause}
	cp := &fakeCheckpoint{}
	r := New(config.Account{Name: "work"}, mb, cp, testLogger())

	assert.ErrorIs(t, r.Poll(), cause)
	assert.Equal(t, []string{"INBOX"}, mb.folders)
	assert.Empty(t, cp.saved)
}

func TestPollWithoutCheckpoint(t *testing.T) {
	r := New(config.Account{}, &fakeMailbox{}, nil, testLogger())
	assert.NoError(t, r.Poll())
}

func TestPollCheckpointError(t *testing.T) {
	cp := &fakeCheckpoint{err: errors.New("disk full")}
	r := New(config.Account{}, &fakeMailbox{}, cp, testLogger())
	assert.Error(t, r.Poll())
}

func TestRunPollsImmediatelyAndStops(t *testing.T) {
	mb := &fakeMailbox{}
	r := New(config.Account{Name: "work", CheckIntervalSeconds: 3600}, mb, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return mb.calls() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, 1, mb.calls())
}
