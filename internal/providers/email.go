package providers

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecodrix/backend/internal/metrics"
)

// SMTPClient sends mail through each tenant's own SMTP account.
type SMTPClient struct {
	secrets SecretsSource
	timeout time.Duration
	logger  *log.Logger
}

// NewSMTPClient creates the email provider.
func NewSMTPClient(secrets SecretsSource, timeout time.Duration) *SMTPClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SMTPClient{
		secrets: secrets,
		timeout: timeout,
		logger:  log.New(log.Writer(), "[EMAIL] ", log.LstdFlags),
	}
}

// SendEmail delivers one message. The tenant's smtp_host may carry a port
// (host:port); 587 is assumed otherwise.
func (c *SMTPClient) SendEmail(ctx context.Context, tenantCode string, msg EmailMessage) (*EmailResult, error) {
	sec, err := c.secrets.GetSecrets(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("email: secrets for %s: %w", tenantCode, err)
	}
	if sec.SMTPHost == "" || sec.SMTPUser == "" {
		return nil, fmt.Errorf("email: tenant %s not configured", tenantCode)
	}
	if msg.To == "" {
		return &EmailResult{Success: false, Error: "missing recipient"}, nil
	}

	host, port := splitHostPort(sec.SMTPHost)
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
	body := buildMessage(sec.SMTPUser, msg, messageID)

	if err := c.send(ctx, host, port, sec.SMTPUser, sec.SMTPPassword, msg.To, body); err != nil {
		metrics.ProviderCalls.WithLabelValues("email", "error").Inc()
		c.logger.Printf("⚠️ Send to %s via %s failed: %v", msg.To, host, err)
		return nil, err
	}

	metrics.ProviderCalls.WithLabelValues("email", "ok").Inc()
	return &EmailResult{Success: true, MessageID: messageID}, nil
}

// send dials with a deadline so a dead SMTP server surfaces as a job
// failure instead of a hung worker slot.
func (c *SMTPClient) send(ctx context.Context, host, port, user, password, to string, body []byte) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := (&net.Dialer{Deadline: deadline}).DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("email: dial %s:%s: %w", host, port, err)
	}
	conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("email: smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("email: starttls: %w", err)
		}
	}
	if password != "" {
		if err := client.Auth(smtp.PlainAuth("", user, password, host)); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}

	if err := client.Mail(user); err != nil {
		return fmt.Errorf("email: mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("email: rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: close body: %w", err)
	}
	return client.Quit()
}

func splitHostPort(hostSpec string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostSpec); err == nil {
		return h, p
	}
	return hostSpec, "587"
}

func buildMessage(from string, msg EmailMessage, messageID string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.Text)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
