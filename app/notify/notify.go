// Package notify delivers job event messages to external destinations.
// Senders come from go-pkgz/notify (email, slack, telegram, webhook), fed
// with HTML texts rendered from the default or operator-provided templates.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params controls which events produce notifications and template overrides
type Params struct {
	EnabledError      bool
	EnabledCompletion bool
	EnabledDigest     bool

	ErrorTemplate      string // file overriding the default error message
	CompletionTemplate string // file overriding the default completion message
	DigestTemplate     string // file overriding the default digest message

	HostName string
}

// SendersParams contains per-sender configuration. A sender with empty
// config is not activated.
type SendersParams struct {
	FromEmail    string
	ToEmails     []string
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPStartTLS bool
	SMTPUsername string
	SMTPPassword string
	SMTPTimeOut  time.Duration

	SlackToken    string
	SlackChannels []string

	TelegramToken        string
	TelegramDestinations []string

	WebhookURLs []string
}

// Service fans job event messages out to all configured destinations
type Service struct {
	Params

	destinations  []notify.Notifier
	fromEmail     string
	toEmail       []string
	slackChannels []string
	telegramDests []string
	webhookURLs   []string
}

// NewService creates notification service for all configured destinations,
// returns nil if nothing configured.
func NewService(p Params, sp SendersParams) *Service {
	res := &Service{
		Params:        p,
		fromEmail:     sp.FromEmail,
		toEmail:       sp.ToEmails,
		slackChannels: sp.SlackChannels,
		telegramDests: sp.TelegramDestinations,
		webhookURLs:   sp.WebhookURLs,
	}
	if res.HostName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		res.HostName = host
	}

	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			StartTLS:    sp.SMTPStartTLS,
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.SMTPTimeOut,
			ContentType: "text/html",
			Charset:     "UTF-8",
		}))
	}

	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(sp.SlackToken))
	}

	if sp.TelegramToken != "" && len(sp.TelegramDestinations) > 0 {
		tg, err := notify.NewTelegram(notify.TelegramParams{Token: sp.TelegramToken, Timeout: 5 * time.Second})
		if err != nil {
			log.Printf("[WARN] telegram sender disabled, %v", err)
		} else {
			res.destinations = append(res.destinations, tg)
		}
	}

	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: 5 * time.Second}))
	}

	if len(res.destinations) == 0 {
		return nil
	}
	return res
}

// Send delivers the text to every configured destination. Failures don't
// stop delivery to the remaining destinations, all errors combined in the result.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, d := range s.destinations {
		for _, dest := range s.destinationsFor(d.Schema(), subj) {
			log.Printf("[DEBUG] send %q to %s", subj, dest)
			if err := d.Send(ctx, dest, text); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// destinationsFor builds destination URLs for the given sender schema
func (s *Service) destinationsFor(schema, subj string) []string {
	switch schema {
	case "mailto":
		if len(s.toEmail) == 0 {
			return nil
		}
		q := url.Values{}
		if s.fromEmail != "" {
			q.Set("from", s.fromEmail)
		}
		if subj != "" {
			q.Set("subject", subj)
		}
		dest := "mailto:" + strings.Join(s.toEmail, ",")
		if enc := q.Encode(); enc != "" {
			dest += "?" + enc
		}
		return []string{dest}
	case "slack":
		res := make([]string, 0, len(s.slackChannels))
		for _, ch := range s.slackChannels {
			dest := "slack:" + ch
			if subj != "" {
				dest += "?title=" + url.QueryEscape(subj)
			}
			res = append(res, dest)
		}
		return res
	case "telegram":
		res := make([]string, 0, len(s.telegramDests))
		for _, d := range s.telegramDests {
			res = append(res, "telegram:"+d)
		}
		return res
	default: // webhook sender takes raw urls as destinations
		return s.webhookURLs
	}
}

// IsOnError status enabling on-error notification
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion status enabling on-completion notification
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// IsOnDigest status enabling the daily digest
func (s *Service) IsOnDigest() bool { return s.EnabledDigest }

func (s *Service) String() string {
	schemas := make([]string, 0, len(s.destinations))
	for _, d := range s.destinations {
		schemas = append(schemas, d.Schema())
	}
	return fmt.Sprintf("notify to %s, onError:%v, onCompletion:%v, onDigest:%v",
		strings.Join(schemas, "+"), s.EnabledError, s.EnabledCompletion, s.EnabledDigest)
}
