// Package push delivers Web Push notifications to browser subscriptions.
//
// The payload contract is fixed: {title, body, icon, data: {groupId,
// transactionId, url}}. Delivery goes through webpush-go with VAPID
// authentication. Endpoints answering 404 or 410 are reported as ErrGone so
// callers can drop the subscription.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrGone is returned when the push service reports the subscription no
// longer exists (HTTP 404 or 410).
var ErrGone = errors.New("push subscription gone")

// Data is the machine-readable part of a notification.
type Data struct {
	GroupID       string `json:"groupId"`
	TransactionID string `json:"transactionId,omitempty"`
	URL           string `json:"url"`
}

// Payload is the JSON document delivered to the client.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Data  Data   `json:"data"`
}

// Target is a subscription endpoint with its encryption keys.
type Target struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Sender delivers one payload to one target.
type Sender interface {
	Send(ctx context.Context, to Target, p Payload) error
}

// StatusError is a non-success response from the push service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service responded %d: %s", e.StatusCode, e.Body)
}

// IsGone reports whether status means the subscription is permanently invalid.
func IsGone(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

// Options configures VAPID credentials and delivery parameters.
type Options struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact (mailto: or https:) sent in the VAPID claims.
	Subscriber string
	TTL        time.Duration
	// HTTPClient overrides the transport; nil uses a client with a 10s timeout.
	HTTPClient webpush.HTTPClient
}

// WebPushSender implements Sender with webpush-go.
type WebPushSender struct {
	opts Options
}

// NewWebPushSender returns a sender using opts.
func NewWebPushSender(opts Options) *WebPushSender {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPushSender{opts: opts}
}

// Send encrypts p for the target and posts it to the push service.
func (s *WebPushSender) Send(ctx context.Context, to Target, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: to.Endpoint,
		Keys:     webpush.Keys{Auth: to.Auth, P256dh: to.P256dh},
	}, &webpush.Options{
		HTTPClient:      s.opts.HTTPClient,
		Subscriber:      s.opts.Subscriber,
		VAPIDPublicKey:  s.opts.VAPIDPublicKey,
		VAPIDPrivateKey: s.opts.VAPIDPrivateKey,
		TTL:             int(s.opts.TTL.Seconds()),
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if IsGone(resp.StatusCode) {
		return fmt.Errorf("%w: status %d", ErrGone, resp.StatusCode)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
}
