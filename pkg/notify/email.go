package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// SMTPConfig configures the email transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// EmailTransport delivers plain-text mail over SMTP, upgrading to TLS when
// the server offers STARTTLS.
type EmailTransport struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewEmailTransport returns nil when no SMTP host is configured.
func NewEmailTransport(cfg SMTPConfig) *EmailTransport {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &EmailTransport{cfg: cfg, now: time.Now}
}

func (t *EmailTransport) Channel() models.Channel { return models.ChannelEmail }

func (t *EmailTransport) Send(ctx context.Context, _ string, msg *Message) error {
	if msg.Target == "" {
		return retry.Permanent(ErrNoTarget)
	}
	if !strings.Contains(msg.Target, "@") {
		return retry.Permanent(fmt.Errorf("invalid email address %q", msg.Target))
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return retry.Transient(fmt.Errorf("failed to connect to mail server: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return retry.Transient(fmt.Errorf("failed to start smtp session: %w", err))
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return retry.Transient(fmt.Errorf("failed to start tls: %w", err))
		}
	}
	if t.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return retry.Permanent(fmt.Errorf("smtp authentication failed: %w", err))
			}
		}
	}

	if err := c.Mail(t.cfg.From); err != nil {
		return classifySMTP("MAIL FROM", err)
	}
	if err := c.Rcpt(msg.Target); err != nil {
		return classifySMTP("RCPT TO", err)
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP("DATA", err)
	}
	if _, err := w.Write(t.buildEmail(msg)); err != nil {
		return retry.Transient(fmt.Errorf("failed to write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return classifySMTP("DATA", err)
	}
	return c.Quit()
}

// classifySMTP treats 4xx replies as temporary and 5xx replies as final.
func classifySMTP(stage string, err error) error {
	wrapped := fmt.Errorf("smtp %s failed: %w", stage, err)
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return retry.Permanent(wrapped)
	}
	return retry.Transient(wrapped)
}

func (t *EmailTransport) buildEmail(msg *Message) []byte {
	var buf bytes.Buffer
	buf.WriteString("From: " + t.cfg.From + "\r\n")
	buf.WriteString("To: " + msg.Target + "\r\n")
	buf.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	buf.WriteString("Date: " + t.now().UTC().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Text(), "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}
