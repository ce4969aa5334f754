package messaging

import (
	"context"
	"errors"
	"fmt"
)

// ErrDelivery marks failures where the provider refused the message, e.g.
// a blocked or deleted recipient. State transitions that triggered the
// send still commit; only the log records the failure.
var ErrDelivery = errors.New("messaging: delivery failed")

// DeliveryError wraps a provider refusal with recipient context.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("messaging: delivery to user %d failed: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return ErrDelivery }

// Sink carries outbound messages. Implementations own provider mechanics
// (rate limits, retries on transport hiccups, serialization).
type Sink interface {
	// Send delivers msg to the user and returns the provider message id.
	Send(ctx context.Context, userID int64, msg Message) (string, error)
	// SendAdmins delivers msg to every operator, best effort.
	SendAdmins(ctx context.Context, msg Message) error
}
