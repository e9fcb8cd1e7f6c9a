package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"password"`
	To       string `json:"to"` // fallback recipient when the event has none
}

// EmailNotifier sends transition alerts over SMTP.
type EmailNotifier struct {
	cfg EmailConfig
}

// NewEmail creates an SMTP notifier.
func NewEmail(cfg EmailConfig) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailNotifier{cfg: cfg}
}

func (n *EmailNotifier) Send(e Event) error {
	to := e.Recipient
	if to == "" {
		to = n.cfg.To
	}
	if to == "" {
		return nil
	}

	body := strings.Join([]string{
		"From: " + n.cfg.From,
		"To: " + to,
		"Subject: " + e.Subject(),
		"",
		fmt.Sprintf("Threat level changed from %s to %s at %s.", e.From, e.To, e.Timestamp.UTC().Format(time.RFC3339)),
		fmt.Sprintf("Observed rate: %.0f req/s (%.0f%% over baseline).", e.RPS, e.Percentage),
		"",
		"This is an automated alert from the Intelliceil traffic protection engine.",
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{to}, []byte(body)); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
