package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/nugget/persona-agent/internal/config"
	"github.com/nugget/persona-agent/internal/leads"
	"github.com/yuin/goldmark"
)

const smtpDialTimeout = 30 * time.Second

// sendFunc delivers a composed message. Tests replace it.
type sendFunc func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error

// EmailNotifier mails each lead to the profile owner.
type EmailNotifier struct {
	cfg     config.EmailConfig
	persona string
	send    sendFunc
}

// NewEmailNotifier creates an email notifier. Persona names the profile
// owner in the message.
func NewEmailNotifier(cfg config.EmailConfig, persona string) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, persona: persona, send: SendMail}
}

// Name implements Notifier.
func (e *EmailNotifier) Name() string { return "email" }

// Notify implements Notifier.
func (e *EmailNotifier) Notify(ctx context.Context, lead leads.Lead) error {
	msg, err := e.Compose(lead)
	if err != nil {
		return err
	}
	rcpts := make([]string, 0, len(e.cfg.To))
	for _, to := range e.cfg.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return fmt.Errorf("parse recipient %q: %w", to, err)
		}
		rcpts = append(rcpts, addr.Address)
	}
	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return fmt.Errorf("parse from address %q: %w", e.cfg.From, err)
	}
	return e.send(ctx, e.cfg.SMTP, from.Address, rcpts, msg)
}

// leadMarkdown renders the notification body.
func (e *EmailNotifier) leadMarkdown(lead leads.Lead) string {
	var b strings.Builder
	who := e.persona
	if who == "" {
		who = "you"
	}
	fmt.Fprintf(&b, "A recruiter reached out to %s.\n\n", who)
	fmt.Fprintf(&b, "- **Name:** %s\n", lead.RecruiterName)
	fmt.Fprintf(&b, "- **Company:** %s\n", lead.Company)
	fmt.Fprintf(&b, "- **Role:** %s\n", lead.Role)
	fmt.Fprintf(&b, "- **Contact:** %s\n", lead.Contact)
	if lead.Notes != "" {
		fmt.Fprintf(&b, "\n**Notes:** %s\n", lead.Notes)
	}
	fmt.Fprintf(&b, "\nLogged %s (lead `%s`).\n", lead.Timestamp.UTC().Format(time.RFC1123), lead.ID)
	return b.String()
}

// leadPlain renders the text/plain alternative.
func leadPlain(md string) string {
	r := strings.NewReplacer("**", "", "`", "")
	return r.Replace(md)
}

// Compose builds the RFC 5322 notification message with text/plain and
// text/html alternatives.
func (e *EmailNotifier) Compose(lead leads.Lead) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(fmt.Sprintf("New recruiter lead: %s at %s", lead.Role, lead.Company))

	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", e.cfg.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to := make([]*mail.Address, 0, len(e.cfg.To))
	for _, a := range e.cfg.To {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		to = append(to, parsed)
	}
	h.SetAddressList("To", to)

	// Replies go straight to the recruiter when they left an email.
	if strings.Contains(lead.Contact, "@") {
		if rt, err := mail.ParseAddress(lead.Contact); err == nil {
			rt.Name = lead.RecruiterName
			h.SetAddressList("Reply-To", []*mail.Address{rt})
		}
	}

	md := e.leadMarkdown(lead)
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md), &html); err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", leadPlain(md)},
		{"text/html; charset=utf-8", "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"></head>\n<body style=\"font-family: sans-serif;\">\n" + html.String() + "</body></html>"},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.contentType)
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// SendMail delivers msg over a fresh SMTP connection. Without StartTLS
// the connection uses implicit TLS.
func SendMail(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	var err error
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return fmt.Errorf("dial SMTP %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create SMTP client on %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}
