package library

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPNotifier sends HTML mail through an SMTP relay.
type SMTPNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (n *SMTPNotifier) Notify(ctx context.Context, to, subject, bodyHTML string) error {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("%w: recipient %q: %v", ErrInvalidInput, to, err)
	}
	to = addr.Address
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.Username != "" {
		auth = smtp.PlainAuth("", n.Username, n.Password, n.Host)
	}
	send := n.send
	if send == nil {
		send = smtp.SendMail
	}

	hostPort := net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
	errCh := make(chan error, 1)
	go func() {
		errCh <- send(hostPort, auth, n.From, []string{to}, buildMessage(n.From, to, subject, bodyHTML))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to, subject, bodyHTML string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + sanitizeHeader(from) + "\r\n")
	sb.WriteString("To: " + sanitizeHeader(to) + "\r\n")
	sb.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(bodyHTML)
	return []byte(sb.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
