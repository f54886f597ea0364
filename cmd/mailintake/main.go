package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/urfave/cli/v2"

	"github.com/tracyhatemice/mailintake/internal/archive"
	"github.com/tracyhatemice/mailintake/internal/checkpoint"
	"github.com/tracyhatemice/mailintake/internal/config"
	"github.com/tracyhatemice/mailintake/internal/filter"
	"github.com/tracyhatemice/mailintake/internal/receiver"
	"github.com/tracyhatemice/mailintake/internal/runner"
	"github.com/tracyhatemice/mailintake/internal/sender"
)

func main() {
	app := &cli.App{
		Name:  "mailintake",
		Usage: "poll POP3/IMAP mailboxes and hand new mail to a processor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to configuration file",
				EnvVars: []string{"MAILINTAKE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "data",
				Usage:   "directory for persistent data (last-check state)",
				EnvVars: []string{"MAILINTAKE_DATA_DIR"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll every account until interrupted",
				Action: run,
			},
			{
				Name:   "check",
				Usage:  "poll every account once and exit",
				Action: check,
			},
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, logger, err := load(c)
	if err != nil {
		return err
	}
	logger.Info("mailintake starting", "accounts", len(cfg.Accounts))

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for i, acct := range cfg.Accounts {
		r, err := newRunner(cfg, i, c.String("data-dir"), logger)
		if err != nil {
			logger.Error("failed to set up account", "account", acct.Label(i), "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for receivers to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	wg.Wait()
	logger.Info("mailintake stopped")
	return nil
}

func check(c *cli.Context) error {
	cfg, logger, err := load(c)
	if err != nil {
		return err
	}

	failed := 0
	for i, acct := range cfg.Accounts {
		r, err := newRunner(cfg, i, c.String("data-dir"), logger)
		if err == nil {
			err = r.Poll()
		}
		if err != nil {
			logger.Error("check failed", "account", acct.Label(i), "error", err)
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d accounts failed", failed, len(cfg.Accounts)), 1)
	}
	return nil
}

func load(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func newRunner(cfg *config.Config, i int, dataDir string, logger *slog.Logger) (*runner.Runner, error) {
	acct := cfg.Accounts[i]
	acctLogger := logger.With("account", acct.Label(i))

	params, err := newParams(acct)
	if err != nil {
		return nil, err
	}
	proc, err := newProcessor(cfg, acct, acctLogger)
	if err != nil {
		return nil, err
	}
	accept, err := filter.FromConfig(acct.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	tracker, err := checkpoint.NewTracker(filepath.Join(dataDir, sanitize(acct.Label(i))+".lastcheck"))
	if err != nil {
		return nil, err
	}
	opts := []receiver.Option{receiver.WithFilter(accept)}
	if last, ok := tracker.LastCheck(); ok {
		acctLogger.Info("loaded last check", "last_check", last)
		opts = append(opts, receiver.WithLastCheck(last))
	}

	recv, err := receiver.New(params, proc, acctLogger, opts...)
	if err != nil {
		return nil, err
	}
	return runner.New(acct, recv, tracker, logger), nil
}

func newParams(acct config.Account) (receiver.Params, error) {
	proto, err := receiver.ParseProtocol(acct.Protocol)
	if err != nil {
		return receiver.Params{}, err
	}
	password, err := acct.ResolvePassword()
	if err != nil {
		return receiver.Params{}, err
	}
	p := receiver.Params{
		Protocol:      proto,
		Host:          acct.Host,
		Port:          acct.Port,
		Username:      acct.Username,
		Password:      password,
		UseTLS:        acct.UseTLS,
		TLSSkipVerify: acct.TLSSkipVerify,
		Timeout:       acct.Timeout(),
	}
	if acct.Debug {
		p.Debug = os.Stderr
	}
	return p, nil
}

func newProcessor(cfg *config.Config, acct config.Account, logger *slog.Logger) (receiver.Processor, error) {
	switch acct.GetProcessor() {
	case config.ProcessorForward:
		smtp := sender.New(
			cfg.Sender.Host,
			cfg.Sender.Port,
			cfg.Sender.Username,
			cfg.Sender.Password,
			cfg.Sender.UseTLS,
			logger,
		)
		return smtp.Processor(acct.ForwardTo), nil
	case config.ProcessorMbox:
		mbox, err := archive.NewMbox(acct.MboxPath)
		if err != nil {
			return nil, err
		}
		return mbox, nil
	case config.ProcessorLog:
		return logProcessor(logger), nil
	default:
		return nil, fmt.Errorf("unsupported processor: %s", acct.Processor)
	}
}

// logProcessor logs a summary of each message.
func logProcessor(logger *slog.Logger) receiver.Processor {
	return receiver.ProcessorFunc(func(msg *receiver.Message, date time.Time) error {
		text, _ := receiver.MessageText(msg)
		logger.Info("received",
			"msg_id", msg.ID,
			"from", receiver.Sender(msg),
			"subject", msg.Subject,
			"date", date,
			"text", truncate(text, 200),
		)
		return nil
	})
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func sanitize(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
