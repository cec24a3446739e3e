// Package notify sends short operator-facing notifications (car-park
// exemption results) to an
// ntfy-class HTTP push endpoint. Grounded on spec.md §7's description
// of the notification surface; no pack repo carries an ntfy client to
// ground a richer port on, and the surface itself is small by design
// (§2 budgets it at 2%), so this is a minimal net/http wrapper in the
// style of internal/rpcclient's plain Go http.Client usage.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// Priority maps to ntfy's numeric priority header.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityInformational
	PriorityAlert
)

func (p Priority) header() string {
	switch p {
	case PriorityLow:
		return "2"
	case PriorityAlert:
		return "5"
	default:
		return "3"
	}
}

// Publisher posts plain-text push notifications to a single ntfy-class
// topic endpoint.
type Publisher struct {
	endpoint string
	hc       *http.Client
}

// New constructs a Publisher. endpoint is the full topic URL to POST
// notification bodies to (e.g. "https://ntfy.sh/my-topic"). hc defaults
// to http.DefaultClient if nil.
func New(endpoint string, hc *http.Client) *Publisher {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Publisher{endpoint: endpoint, hc: hc}
}

// Notify posts message as the notification body, tagged with pri.
func (p *Publisher) Notify(ctx context.Context, pri Priority, message string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBufferString(message))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Priority", pri.header())

	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
