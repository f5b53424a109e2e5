// Package sms implements the SMS channel adapter over a Twilio-compatible
// REST API, with an inbound webhook for provider callbacks.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentgw/agentgw/internal/channels"
)

// ChannelID is the adapter id.
const ChannelID = "sms"

// chunkLimit is the concatenated-SMS length cap.
const chunkLimit = 1600

// Config configures one SMS account.
type Config struct {
	AccountSID string
	AuthToken  string
	From       string // sending number, E.164
	Account    string // logical account id ("twilio0")
	// APIBase overrides the provider endpoint, for tests and regional APIs.
	APIBase string
	// WebhookToken authenticates inbound webhook calls.
	WebhookToken string
}

// InboundFunc receives normalized inbound messages.
type InboundFunc func(ctx context.Context, msg channels.InboundMessage)

// Adapter is the SMS channel. Outbound goes through the REST API; inbound
// arrives on the webhook handler, which the HTTP server mounts.
type Adapter struct {
	cfg       Config
	client    *http.Client
	limiter   *channels.WebhookRateLimiter
	onInbound InboundFunc
	logger    *slog.Logger
}

// New creates the adapter. onInbound may be nil for send-only use.
func New(cfg Config, onInbound InboundFunc, logger *slog.Logger) (*Adapter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("sms: account sid and auth token required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("sms: sending number required")
	}
	if cfg.Account == "" {
		cfg.Account = "twilio0"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.twilio.com/2010-04-01"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   channels.NewWebhookRateLimiter(),
		onInbound: onInbound,
		logger:    logger,
	}, nil
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) Meta() channels.Meta {
	return channels.Meta{
		Name: ChannelID,
		Capabilities: channels.Capabilities{
			EditSupport: false,
			ChunkLimit:  chunkLimit,
		},
	}
}

// Start is a no-op; inbound traffic arrives on the webhook handler owned by
// the HTTP server.
func (a *Adapter) Start(ctx context.Context) error { return nil }

func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Deliver sends one message. SMS supports neither edits nor deletes.
func (a *Adapter) Deliver(ctx context.Context, op channels.Op) (channels.ProviderResult, error) {
	if op.Kind != channels.OpSend {
		return channels.ProviderResult{}, &channels.PermanentError{
			Status: 400, Err: fmt.Errorf("sms does not support %s", op.Kind),
		}
	}

	body := op.Text
	// Media URLs ride along as trailing links; SMS has no native albums.
	for _, m := range op.Media {
		body += "\n" + m.URL
	}

	form := url.Values{}
	form.Set("To", op.Peer)
	form.Set("From", a.cfg.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", a.cfg.APIBase, a.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channels.ProviderResult{}, &channels.PermanentError{Status: 400, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ProviderResult{}, &channels.TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return channels.ProviderResult{}, &channels.RateLimitedError{
			RetryAfter: parseRetryAfterHeader(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return channels.ProviderResult{}, &channels.TransientError{
			Err: fmt.Errorf("provider returned %s", resp.Status),
		}
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return channels.ProviderResult{}, &channels.PermanentError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("provider rejected send: %s", strings.TrimSpace(string(payload))),
		}
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return channels.ProviderResult{}, &channels.TransientError{
			Err: fmt.Errorf("decode provider response: %w", err),
		}
	}
	return channels.ProviderResult{MessageID: result.SID}, nil
}

// parseRetryAfterHeader reads a Retry-After value in seconds.
func parseRetryAfterHeader(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
