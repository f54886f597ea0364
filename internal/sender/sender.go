package sender

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tracyhatemice/mailintake/internal/receiver"
)

// Sender forwards received messages over SMTP.
type Sender struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger

	// tlsConfig overrides the default config verifying host.
	tlsConfig *tls.Config
}

// New creates a new SMTP sender.
func New(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *Sender {
	return &Sender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
	}
}

// Processor returns a receiver.Processor that forwards every message to to.
func (s *Sender) Processor(to string) receiver.Processor {
	return receiver.ProcessorFunc(func(msg *receiver.Message, _ time.Time) error {
		if err := s.Forward(msg, to); err != nil {
			return err
		}
		s.logger.Info("forwarded", "msg_id", msg.ID, "from", receiver.Sender(msg), "to", to)
		return nil
	})
}

// Forward sends the raw message to the target address.
func (s *Sender) Forward(msg *receiver.Message, to string) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	from := receiver.Sender(msg)
	if from == "" {
		from = s.username
	}

	// Prepend forwarding headers to the raw email.
	originalID := msg.MessageID
	if originalID == "" {
		originalID = msg.ID
	}
	forwardHeaders := fmt.Sprintf(
		"X-Forwarded-By: mailintake\r\nX-Original-Message-ID: %s\r\nX-Forwarded-Time: %s\r\n",
		originalID,
		time.Now().UTC().Format(time.RFC3339),
	)
	message := append([]byte(forwardHeaders), msg.Raw...)

	var client *smtp.Client
	var err error

	tlsConfig := s.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: s.host}
	}
	if s.useTLS {
		client, err = smtp.DialTLS(addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
	} else {
		// Try STARTTLS first, plain SMTP when the server refuses it.
		client, err = smtp.DialStartTLS(addr, tlsConfig)
		if err != nil {
			s.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			client, err = smtp.Dial(addr)
			if err != nil {
				return fmt.Errorf("smtp dial %s: %w", addr, err)
			}
		}
	}
	defer client.Close()

	// Authenticate if credentials are provided.
	if s.username != "" && s.password != "" {
		auth := sasl.NewPlainClient("", s.username, s.password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.SendMail(from, []string{to}, bytes.NewReader(message)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	return client.Quit()
}
