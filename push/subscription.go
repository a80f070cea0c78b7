package push

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrInvalidSubscription = errors.New("invalid push subscription")
	// ErrGone means the push service no longer knows the endpoint.
	ErrGone = errors.New("push endpoint gone")
)

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the browser's PushSubscription JSON.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

func (s Subscription) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("%w: missing endpoint", ErrInvalidSubscription)
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q", ErrInvalidSubscription, s.Endpoint)
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return fmt.Errorf("%w: missing keys", ErrInvalidSubscription)
	}
	return nil
}

// Notification is the payload shown by the service worker.
type Notification struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	ChatID string `json:"chatId,omitempty"`
}
