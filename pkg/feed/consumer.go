// Package feed consumes identity lifecycle events from the message bus
// and applies them to the revocation store, so an account disabled in
// the IdP stops working at the gateway within one consumer poll.
package feed

import "context"

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
