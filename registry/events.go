package registry

import (
	"time"

	"github.com/effective-security/toolgate/provider"
)

// Event records one provider state transition as observed by the
// registry. Consumers receive events in transition order per provider.
type Event struct {
	Time       time.Time      `json:"time"`
	ProviderID string         `json:"provider_id"`
	From       provider.State `json:"-"`
	To         provider.State `json:"-"`
	FromState  string         `json:"from"`
	ToState    string         `json:"to"`
	Reason     string         `json:"reason,omitempty"`
}

func newEvent(t provider.Transition) Event {
	return Event{
		Time:       time.Now().UTC(),
		ProviderID: t.ProviderID,
		From:       t.From,
		To:         t.To,
		FromState:  t.From.String(),
		ToState:    t.To.String(),
		Reason:     t.Reason,
	}
}
