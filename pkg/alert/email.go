package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

type smtpSendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig configures EmailSink.
type EmailConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	From               string        `mapstructure:"from"`
	To                 []string      `mapstructure:"to"`
	EnableTLS          bool          `mapstructure:"enable_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
}

// EmailSink mails notifications through an SMTP server.
type EmailSink struct {
	cfg      EmailConfig
	sendMail smtpSendMailFunc
}

// NewEmailSink creates an SMTP sink.
func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp sender is required")
	}
	cfg.To = normalizeRecipients(cfg.To)
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &EmailSink{cfg: cfg, sendMail: smtp.SendMail}, nil
}

func (s *EmailSink) Name() string { return "email" }

// Send mails n. net/smtp has no context support, so ctx is only checked
// before dialing.
func (s *EmailSink) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	raw := buildMessage(s.cfg.From, s.cfg.To, n)

	var auth smtp.Auth
	if strings.TrimSpace(s.cfg.Username) != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if s.cfg.EnableTLS && s.cfg.Port == 465 {
		return s.sendMailWithTLS(addr, auth, raw)
	}
	if err := s.sendMail(addr, auth, s.cfg.From, s.cfg.To, raw); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func (s *EmailSink) sendMailWithTLS(addr string, auth smtp.Auth, raw []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.OperationTimeout))

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	for _, rcpt := range s.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to []string, n Notification) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString(fmt.Sprintf("Subject: [conveyor %s] %s\r\n", n.Severity, n.Title))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("X-Conveyor-Kind: " + string(n.Kind) + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")

	b.WriteString(n.Summary + "\r\n")
	if dl := n.DeadLetter; dl != nil {
		b.WriteString("\r\n")
		b.WriteString("job_id: " + dl.JobID + "\r\n")
		b.WriteString("stage: " + dl.Stage + "\r\n")
		b.WriteString("reason: " + string(dl.FailureReason) + "\r\n")
		b.WriteString(fmt.Sprintf("attempts: %d\r\n", dl.AttemptCount))
		b.WriteString("dead_letter_id: " + dl.ID + "\r\n")
	}
	if report := n.Health; report != nil {
		b.WriteString("\r\n")
		for _, a := range report.Alerts {
			b.WriteString(fmt.Sprintf("%s %s %s: observed %.2f, threshold %.2f\r\n",
				a.Severity, a.Stage, a.Type, a.Observed, a.Threshold))
		}
	}
	b.WriteString("\r\noccurred_at: " + n.OccurredAt.UTC().Format(time.RFC3339) + "\r\n")
	return []byte(b.String())
}

func normalizeRecipients(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, value := range list {
		addr := strings.TrimSpace(value)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}
