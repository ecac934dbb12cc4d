package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a *nats.Subscription to the Subscription interface.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription from the NATS server. Safe on a nil
// inner subscription.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether the subscription still delivers messages.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
