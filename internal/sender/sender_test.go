package sender

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailintake/internal/receiver"
)

type smtpTestMessage struct {
	From string
	To   []string
	Data []byte
	TLS  bool
}

type smtpTestBackend struct {
	mu       sync.Mutex
	messages []*smtpTestMessage
}

func (be *smtpTestBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpTestSession{backend: be, conn: c}, nil
}

func (be *smtpTestBackend) Messages() []*smtpTestMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*smtpTestMessage(nil), be.messages...)
}

type smtpTestSession struct {
	backend *smtpTestBackend
	conn    *smtp.Conn
	msg     *smtpTestMessage
}

func (s *smtpTestSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *smtpTestSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "bot@example.com" || password != "testpass" {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *smtpTestSession) Mail(from string, _ *smtp.MailOptions) error {
	_, isTLS := s.conn.TLSConnectionState()
	s.msg = &smtpTestMessage{From: from, TLS: isTLS}
	return nil
}

func (s *smtpTestSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpTestSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpTestSession) Reset()        { s.msg = nil }
func (s *smtpTestSession) Logout() error { return nil }

var _ smtp.AuthSession = (*smtpTestSession)(nil)

func newTestSMTPServer(t *testing.T) (*smtpTestBackend, string, int) {
	t.Helper()
	return newTestSMTPServerTLS(t, nil)
}

// newTestSMTPServerTLS starts a server that advertises STARTTLS when
// tlsConfig is set.
func newTestSMTPServerTLS(t *testing.T, tlsConfig *tls.Config) (*smtpTestBackend, string, int) {
	t.Helper()

	be := &smtpTestBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return be, host, port
}

func TestProcessorForwardsRawMessage(t *testing.T) {
	be, host, port := newTestSMTPServer(t)
	s := New(host, port, "bot@example.com", "testpass", false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	raw := []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nhello\r\n")
	msg := &receiver.Message{
		ID:        "uid-1",
		MessageID: "1@example.com",
		From:      []*mail.Address{{Address: "alice@example.com"}},
		Raw:       raw,
	}

	require.NoError(t, s.Processor("team@example.com").ProcessMessage(msg, time.Time{}))

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@example.com", msgs[0].From)
	assert.Equal(t, []string{"team@example.com"}, msgs[0].To)
	assert.Contains(t, string(msgs[0].Data), "X-Forwarded-By: mailintake")
	assert.Contains(t, string(msgs[0].Data), "X-Original-Message-ID: 1@example.com")
	assert.Contains(t, string(msgs[0].Data), "Subject: hi")
}

func TestForwardFallsBackToUsernameAsEnvelopeSender(t *testing.T) {
	be, host, port := newTestSMTPServer(t)
	s := New(host, port, "bot@example.com", "testpass", false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	msg := &receiver.Message{Raw: []byte("Subject: anonymous\r\n\r\nbody\r\n")}
	require.NoError(t, s.Forward(msg, "team@example.com"))

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bot@example.com", msgs[0].From)
}

func TestForwardAuthFailure(t *testing.T) {
	_, host, port := newTestSMTPServer(t)
	s := New(host, port, "bot@example.com", "wrong", false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.Forward(&receiver.Message{Raw: []byte("Subject: x\r\n\r\ny\r\n")}, "team@example.com")
	assert.ErrorContains(t, err, "smtp auth")
}

// selfSignedCert returns a certificate for 127.0.0.1 and a pool trusting it.
func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func TestForwardUsesSTARTTLS(t *testing.T) {
	cert, pool := selfSignedCert(t)
	be, host, port := newTestSMTPServerTLS(t, &tls.Config{Certificates: []tls.Certificate{cert}})

	s := New(host, port, "bot@example.com", "testpass", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.tlsConfig = &tls.Config{ServerName: host, RootCAs: pool}

	require.NoError(t, s.Forward(&receiver.Message{Raw: []byte("Subject: x\r\n\r\ny\r\n")}, "team@example.com"))

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].TLS, "message was sent after STARTTLS")
}

func TestForwardFallsBackWhenSTARTTLSFails(t *testing.T) {
	cert, _ := selfSignedCert(t)
	be, host, port := newTestSMTPServerTLS(t, &tls.Config{Certificates: []tls.Certificate{cert}})

	// The default config does not trust the self-signed certificate.
	s := New(host, port, "bot@example.com", "testpass", false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, s.Forward(&receiver.Message{Raw: []byte("Subject: x\r\n\r\ny\r\n")}, "team@example.com"))

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].TLS)
}
