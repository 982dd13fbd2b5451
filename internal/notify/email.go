package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

const (
	defaultSubjectTemplate = `[{{if .Severity}}{{.Severity}}{{else}}{{.Type}}{{end}}] {{.Title}}`
	defaultEmailTemplate   = `<h3>{{.Title}}</h3><p>{{.Body}}</p>{{if .Data}}<ul>{{range $k, $v := .Data}}<li><b>{{$k}}</b>: {{$v}}</li>{{end}}</ul>{{end}}`
)

// EmailTransport sends HTML mail over SMTP.
//
// Channel config: host, port (default 587), username, password, from, to
// (list or comma-separated), subjectTemplate, bodyTemplate.
type EmailTransport struct {
	sendMail SendMailFunc
}

// NewEmailTransport uses sendMail, or smtp.SendMail when nil.
func NewEmailTransport(sendMail SendMailFunc) *EmailTransport {
	if sendMail == nil {
		sendMail = smtp.SendMail
	}
	return &EmailTransport{sendMail: sendMail}
}

// Deliver renders and sends one message. smtp.SendMail has no context, so
// cancellation is only honoured before the dial.
func (t *EmailTransport) Deliver(ctx context.Context, ch models.NotificationChannel, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	host := configString(ch.Config, "host")
	from := configString(ch.Config, "from")
	to := configStrings(ch.Config, "to")
	if host == "" || from == "" || len(to) == 0 {
		return fmt.Errorf("email channel %q needs host, from and to", ch.ID)
	}
	port := configInt(ch.Config, "port", 587)

	subject, err := renderText(firstNonEmpty(configString(ch.Config, "subjectTemplate"), defaultSubjectTemplate), n)
	if err != nil {
		return err
	}
	body, err := renderHTML(firstNonEmpty(configString(ch.Config, "bodyTemplate"), defaultEmailTemplate), n)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if user := configString(ch.Config, "username"); user != "" {
		auth = smtp.PlainAuth("", user, configString(ch.Config, "password"), host)
	}

	msg := buildMessage(from, to, subject, body, n.CreatedAt)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := t.sendMail(addr, auth, from, to, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string, at time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&buf, "Date: %s\r\n", at.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func renderText(tmpl string, n models.Notification) (string, error) {
	parsed, err := texttemplate.New("subject").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse subject template: %w", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("render subject template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func renderHTML(tmpl string, n models.Notification) (string, error) {
	parsed, err := htmltemplate.New("body").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse email template: %w", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("render email template: %w", err)
	}
	return buf.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
