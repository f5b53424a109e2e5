package sms

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/internal/channels"
)

// WebhookHandler returns the inbound message endpoint. The provider posts
// form-encoded callbacks (From, Body, MessageSid); authentication is a
// shared token, and senders are rate limited per source number.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !a.authorized(r) {
			a.logger.Warn("sms webhook rejected: bad token", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		from := r.PostFormValue("From")
		body := r.PostFormValue("Body")
		sid := r.PostFormValue("MessageSid")
		if from == "" || body == "" {
			http.Error(w, "missing fields", http.StatusBadRequest)
			return
		}
		if !a.limiter.Allow(from) {
			a.logger.Warn("sms webhook rate limited", "from", from)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		if a.onInbound != nil {
			a.onInbound(r.Context(), channels.InboundMessage{
				Channel:   ChannelID,
				Account:   a.cfg.Account,
				PeerKind:  "dm",
				Peer:      from,
				MessageID: sid,
				SenderID:  from,
				Text:      body,
				Timestamp: time.Now(),
			})
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.WebhookToken == "" {
		return true
	}
	token := r.Header.Get("X-Webhook-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.WebhookToken)) == 1
}
