package types

import "context"

// Processor runs the gateway pipeline over one inbound message.
// The return value indicates whether the message was accepted.
// On refusal the reason has already been delivered through the
// inbound's Reject.
type Processor interface {
	Process(ctx context.Context, in Inbound) bool
}
