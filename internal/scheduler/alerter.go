package scheduler

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/relaypoint/bulkmail/internal/config"
)

// Alerter delivers operational alerts. Implementations must not block the
// metrics loop for long.
type Alerter interface {
	Alert(kind, message string)
}

// NopAlerter drops alerts; used when no SMTP settings are configured.
type NopAlerter struct{}

func (NopAlerter) Alert(kind, message string) {}

// SMTPAlerter emails alerts to the operations list, with a per-kind cooldown
// so a sustained condition does not flood the inbox.
type SMTPAlerter struct {
	cfg      config.AlerterConfig
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewSMTPAlerter creates an alerter with a 15 minute per-kind cooldown.
func NewSMTPAlerter(cfg config.AlerterConfig) *SMTPAlerter {
	return &SMTPAlerter{
		cfg:      cfg,
		cooldown: 15 * time.Minute,
		lastSent: make(map[string]time.Time),
	}
}

// Alert sends one alert email unless the same kind fired within the
// cooldown. Failures are logged; alerting never propagates errors.
func (a *SMTPAlerter) Alert(kind, message string) {
	a.mu.Lock()
	if last, ok := a.lastSent[kind]; ok && time.Since(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastSent[kind] = time.Now()
	a.mu.Unlock()

	subject := fmt.Sprintf("[bulkmail] %s", kind)
	body := strings.Join([]string{
		"From: " + a.cfg.From,
		"To: " + strings.Join(a.cfg.To, ", "),
		"Subject: " + subject,
		"",
		message,
		"",
		"Sent at " + time.Now().UTC().Format(time.RFC3339),
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, a.cfg.From, a.cfg.To, []byte(body)); err != nil {
		log.Printf("[Alerter] failed to send %q alert: %v", kind, err)
		return
	}
	log.Printf("[Alerter] sent %q alert to %d recipients", kind, len(a.cfg.To))
}
