package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
)

// Type categorizes the kind of alert.
type Type string

const (
	TypeFetchStalled  Type = "FETCH_STALLED"
	TypeWorkerFailed  Type = "WORKER_FAILED"
	TypeProgressStuck Type = "PROGRESS_STUCK"
)

// Alert is a single operator notification.
type Alert struct {
	Type    Type
	Key     string // deduplication key within Type, e.g. a workflow name
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter delivers alerts to a channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Send(ctx context.Context, alert Alert) error { return nil }

// MultiAlerter fans out alerts to several channels and suppresses repeats of
// the same (type, key) inside the cooldown window.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *logrus.Entry
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logrus.WithField("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send dispatches to every channel and returns the first delivery error.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := string(alert.Type) + ":" + alert.Key

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && m.now().Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.WithField("key", key).Debug("Alert suppressed by cooldown")
		metrics.AlertsSuppressed.Inc()
		return nil
	}
	m.lastSent[key] = m.now()
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.WithField("channel", channelName(a)).WithError(err).Warn("Alert delivery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSent.WithLabelValues(channelName(a)).Inc()
	}
	return firstErr
}

func channelName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *EmailAlerter:
		return "email"
	default:
		return "other"
	}
}

// Format renders the alert as plain text.
func Format(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", alert.Type, alert.Title, alert.Message)
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, alert.Fields[k])
	}
	return b.String()
}

// SlackAlerter posts alerts to Slack channels.
type SlackAlerter struct {
	client   *slack.Client
	channels []string
}

// NewSlackAlerter creates a Slack alerter. Extra options are passed to the
// Slack client, e.g. slack.OptionAPIURL.
func NewSlackAlerter(token string, channels []string, opts ...slack.Option) (*SlackAlerter, error) {
	if token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one slack channel is required")
	}
	return &SlackAlerter{client: slack.New(token, opts...), channels: channels}, nil
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	for _, channel := range s.channels {
		_, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(Format(alert), false))
		if err != nil {
			return fmt.Errorf("error sending slack message to %s: %w", channel, err)
		}
	}
	return nil
}

// EmailAlerter sends alerts through SendGrid.
type EmailAlerter struct {
	client *sendgrid.Client
	from   string
	to     []string
}

// NewEmailAlerter creates a SendGrid alerter. host overrides the API host and
// may be empty.
func NewEmailAlerter(apiKey, host, from string, to []string) (*EmailAlerter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if from == "" || len(to) == 0 {
		return nil, fmt.Errorf("email sender and recipients are required")
	}
	request := sendgrid.GetRequest(apiKey, "/v3/mail/send", host)
	request.Method = "POST"
	return &EmailAlerter{client: &sendgrid.Client{Request: request}, from: from, to: to}, nil
}

func (e *EmailAlerter) Send(ctx context.Context, alert Alert) error {
	from := mail.NewEmail("Checkpoint Pipeline", e.from)
	subject := fmt.Sprintf("[%s] %s", alert.Type, alert.Title)
	body := Format(alert)

	for _, to := range e.to {
		msg := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, body)
		resp, err := e.client.SendWithContext(ctx, msg)
		if err != nil {
			return fmt.Errorf("error sending email: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sendgrid rejected email to %s: status %d", to, resp.StatusCode)
		}
	}
	return nil
}
