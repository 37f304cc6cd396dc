// Package processor implements the ordered pipeline the gateway runs
// over each inbound message: spam gate, parse, address rewriting,
// serialization and delivery to the CRM backend.
package processor

import (
	"context"
	"log/slog"

	"github.com/moriwaka/crmgate/crmclient"
	"github.com/moriwaka/crmgate/internal/logging"
	"github.com/moriwaka/crmgate/internal/mail"
	"github.com/moriwaka/crmgate/internal/metrics"
	"github.com/moriwaka/crmgate/types"
)

// Result is the outcome of one stage: either continue to the next stage
// or reject the message with a reason.
type Result struct {
	rejected bool
	reason   string
}

// Continue lets the run move on to the next stage.
func Continue() Result {
	return Result{}
}

// Reject terminates the run and refuses the message with reason.
func Reject(reason string) Result {
	return Result{rejected: true, reason: reason}
}

func (r Result) Rejected() bool {
	return r.rejected
}

func (r Result) Reason() string {
	return r.reason
}

// State is the shared context of one pipeline run. It is owned by
// exactly one run and discarded afterwards; Raw, Parsed and Final are
// each written by one stage and read by later ones.
type State struct {
	Inbound types.Inbound
	Raw     []byte
	Parsed  *mail.Message
	Final   []byte
}

// Stage is one step of the pipeline. Returning a rejected Result stops
// the run. A non-nil error is an unexpected fault: it is logged and the
// run proceeds as though the stage had continued. Rejection halts,
// faults do not; a fault in a non-terminal stage must not refuse the
// message.
type Stage interface {
	Name() string
	Process(ctx context.Context, st *State) (Result, error)
}

const defaultRejectReason = "Message rejected."

type Processor struct {
	stages []Stage
	logger *slog.Logger
}

type OptionFunc func(*Processor) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(p *Processor) error {
		if logger == nil {
			logger = slog.New(logging.BlackholeHandler{})
		}
		p.logger = logger
		return nil
	}
}

// WithStages replaces the stage list. Used by tests; New wires the
// production order.
func WithStages(stages ...Stage) OptionFunc {
	return func(p *Processor) error {
		p.stages = stages
		return nil
	}
}

// New assembles the pipeline in its fixed order: spam gate on metadata,
// read, parse, domain collapse, subaddress stripping, serialize,
// deliver. collapseConfig is the raw "domain=target" mapping string.
func New(policy *Policy, collapseConfig string, client *crmclient.Client, options ...OptionFunc) (*Processor, error) {
	p := &Processor{
		logger: slog.New(logging.BlackholeHandler{}),
		stages: []Stage{
			SpamCheck{Policy: policy},
			ReadRaw{},
			ParseMessage{},
			DomainCollapse{Config: collapseConfig},
			Subaddressing{},
			SerializeMessage{},
			Deliver{Client: client},
		},
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Process runs every stage in order over one inbound message and
// reports whether it was accepted. On rejection the reason has been
// delivered through the inbound's Reject and no further stage runs.
func (p *Processor) Process(ctx context.Context, in types.Inbound) bool {
	st := &State{Inbound: in}
	for _, stage := range p.stages {
		res, err := stage.Process(ctx, st)
		if err != nil {
			p.logger.Error("stage failed",
				slog.String("stage", stage.Name()), slog.Any("error", err))
			metrics.StageFaults.WithLabelValues(stage.Name()).Inc()
			continue
		}
		if res.Rejected() {
			reason := res.Reason()
			if reason == "" {
				reason = defaultRejectReason
			}
			p.logger.Info("message rejected",
				slog.String("stage", stage.Name()), slog.String("reason", reason))
			metrics.MessagesProcessed.WithLabelValues("rejected").Inc()
			in.Reject(reason)
			return false
		}
	}
	metrics.MessagesProcessed.WithLabelValues("accepted").Inc()
	return true
}

var _ types.Processor = (*Processor)(nil)
