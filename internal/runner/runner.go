package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailintake/internal/config"
	"github.com/tracyhatemice/mailintake/internal/receiver"
)

// Mailbox is the part of *receiver.Receiver the runner drives.
type Mailbox interface {
	Receive(folder string) error
	LastCheck() (time.Time, bool)
}

// Checkpoint persists the last successful poll time.
type Checkpoint interface {
	Save(ts time.Time) error
}

// Runner polls one account on its configured interval.
type Runner struct {
	account    config.Account
	mailbox    Mailbox
	checkpoint Checkpoint
	logger     *slog.Logger
}

// New creates a Runner for the given account. checkpoint may be nil.
func New(
	acct config.Account,
	mailbox Mailbox,
	checkpoint Checkpoint,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		account:    acct,
		mailbox:    mailbox,
		checkpoint: checkpoint,
		logger:     logger,
	}
}

// Run polls the account on the configured interval until ctx is cancelled.
// Polls never overlap.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("starting receiver",
		"account", r.account.Name,
		"protocol", r.account.Protocol,
		"host", r.account.Host,
		"interval", r.account.CheckInterval(),
	)

	// Run immediately on start, then on interval.
	_ = r.Poll()

	ticker := time.NewTicker(r.account.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("receiver stopped", "account", r.account.Name)
			return
		case <-ticker.C:
			_ = r.Poll()
		}
	}
}

// Poll performs one receive cycle and stores the new last-check time.
func (r *Runner) Poll() error {
	r.logger.Debug("polling", "account", r.account.Name)

	if err := r.mailbox.Receive(r.account.GetFolder()); err != nil {
		var recvErr *receiver.ReceiveError
		if errors.As(err, &recvErr) {
			r.logger.Error("receive failed", "account", r.account.Name, "error", err)
		} else {
			r.logger.Error("processing failed, batch aborted", "account", r.account.Name, "error", err)
		}
		return err
	}

	last, ok := r.mailbox.LastCheck()
	if !ok || r.checkpoint == nil {
		return nil
	}
	if err := r.checkpoint.Save(last); err != nil {
		r.logger.Error("save checkpoint failed", "account", r.account.Name, "error", err)
		return err
	}
	return nil
}
