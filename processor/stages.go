package processor

import (
	"context"
	"errors"
	"io"

	"github.com/moriwaka/crmgate/crmclient"
	"github.com/moriwaka/crmgate/internal/mail"
)

// ReadRaw drains the inbound byte stream into the run state. A short or
// failed read refuses the message rather than faulting.
type ReadRaw struct{}

func (ReadRaw) Name() string { return "read" }

func (ReadRaw) Process(_ context.Context, st *State) (Result, error) {
	b := make([]byte, st.Inbound.Size())
	if _, err := io.ReadFull(st.Inbound.Reader(), b); err != nil {
		return Reject("Unable to process email data."), nil
	}
	st.Raw = b
	return Continue(), nil
}

// ParseMessage turns the raw bytes into the ordered header sequence plus
// body. Parsing is lenient and cannot refuse a message.
type ParseMessage struct{}

func (ParseMessage) Name() string { return "parse" }

func (ParseMessage) Process(_ context.Context, st *State) (Result, error) {
	if st.Raw == nil {
		return Continue(), errors.New("raw message not read")
	}
	st.Parsed = mail.Parse(st.Raw)
	return Continue(), nil
}

// SerializeMessage renders the possibly-rewritten message back to bytes
// for delivery.
type SerializeMessage struct{}

func (SerializeMessage) Name() string { return "serialize" }

func (SerializeMessage) Process(_ context.Context, st *State) (Result, error) {
	if st.Parsed == nil {
		return Continue(), errors.New("message not parsed")
	}
	st.Final = st.Parsed.Bytes()
	return Continue(), nil
}

// Deliver hands the serialized message to the CRM backend. Delivery is
// the pipeline's terminal effect: every failure here becomes an explicit
// rejection, never a skipped stage.
type Deliver struct {
	Client *crmclient.Client
}

func (Deliver) Name() string { return "deliver" }

func (d Deliver) Process(ctx context.Context, st *State) (Result, error) {
	if st.Final == nil {
		return Reject("Unable to process email data."), nil
	}
	if _, err := d.Client.Deliver(ctx, st.Final); err != nil {
		return Reject(err.Error()), nil
	}
	return Continue(), nil
}
