package dispatch

import (
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// Subscriber receives envelopes. A returned error is reported as a fault and
// does not affect delivery to other subscribers.
type Subscriber interface {
	Handle(env Envelope) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(env Envelope) error

func (f SubscriberFunc) Handle(env Envelope) error { return f(env) }

// ForKind delivers only envelopes of entities of the given kind.
func ForKind(kind ir.Kind, s Subscriber) Subscriber {
	return SubscriberFunc(func(env Envelope) error {
		if env.Ref.Kind != kind {
			return nil
		}
		return s.Handle(env)
	})
}

// ForField delivers only envelopes carrying a change of d.
func ForField(d *field.Descriptor, s Subscriber) Subscriber {
	return SubscriberFunc(func(env Envelope) error {
		if !env.Is(d) {
			return nil
		}
		return s.Handle(env)
	})
}
