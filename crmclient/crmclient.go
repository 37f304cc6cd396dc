// Package crmclient delivers a serialized message to the CRM backend
// over its XML-RPC object endpoint.
package crmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/moriwaka/crmgate/internal/logging"
	"github.com/moriwaka/crmgate/internal/metrics"
)

// The backend ingests messages through the mail thread entry point.
const (
	targetModel  = "mail.thread"
	targetMethod = "message_process"
)

// A fault carrying this text means the backend has no alias or route for
// the message; the raw fault is unhelpful to senders and is translated.
const noRouteFaultText = "No possible route found for incoming message"

// Error is a delivery refusal. Reason is the text surfaced to the
// sender; Body is the raw backend response, kept for logging.
type Error struct {
	Reason string
	Body   []byte
}

func (e *Error) Error() string {
	return e.Reason
}

type Client struct {
	endpoint string
	db       string
	uid      int
	password string
	client   *http.Client
	logger   *slog.Logger
}

type OptionFunc func(*Client) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(c *Client) error {
		if logger == nil {
			logger = slog.New(logging.BlackholeHandler{})
		}
		c.logger = logger
		return nil
	}
}

func WithHTTPClient(hc *http.Client) OptionFunc {
	return func(c *Client) error {
		c.client = hc
		return nil
	}
}

// New builds a client posting to {protocol}://{host}:{port}/xmlrpc/2/object.
// The default HTTP client carries no timeout and nothing is retried.
func New(protocol, host string, port int, db string, uid int, password string, options ...OptionFunc) (*Client, error) {
	c := &Client{
		endpoint: fmt.Sprintf("%s://%s/xmlrpc/2/object", protocol, net.JoinHostPort(host, strconv.Itoa(port))),
		db:       db,
		uid:      uid,
		password: password,
		client:   http.DefaultClient,
		logger:   slog.New(logging.BlackholeHandler{}),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Endpoint returns the resolved backend URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Deliver posts one serialized message to the backend and classifies the
// response. On success it returns the record id created by the backend,
// or 0 when the backend answered with a bare boolean acknowledgement.
// Every failure is returned as *Error.
func (c *Client) Deliver(ctx context.Context, message []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(c.encodeCall(message)))
	if err != nil {
		return 0, c.failure(fmt.Sprintf("unable to reach CRM: %v", err), nil)
	}
	req.Header.Set("Content-Type", "application/xml")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, c.failure(fmt.Sprintf("unable to reach CRM: %v", err), nil)
	}
	defer resp.Body.Close()
	// The status line wins over anything in the body.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, c.failure(resp.Status, nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, c.failure(fmt.Sprintf("unable to read CRM response: %v", err), nil)
	}
	id, derr := c.classify(body)
	if derr != nil {
		return 0, derr
	}
	metrics.Deliveries.WithLabelValues("ok").Inc()
	return id, nil
}

// classify disambiguates the backend response: fault first, then an
// integer result (positive means a record was created), then a boolean
// acknowledgement, otherwise the format is unknown.
func (c *Client) classify(body []byte) (int64, error) {
	rsp, err := parseResponse(body)
	if err != nil {
		return 0, c.failure("unexpected response format", body)
	}
	if rsp.fault != nil {
		fault := rsp.fault.text()
		if strings.Contains(fault, noRouteFaultText) {
			return 0, c.failure("mailbox not found or no valid route", body)
		}
		return 0, c.failure(fault, body)
	}
	if rsp.result != nil {
		if n, ok := rsp.result.intValue(); ok {
			if n > 0 {
				return n, nil
			}
			return 0, c.failure("invalid record id", body)
		}
		if b, ok := rsp.result.boolValue(); ok {
			if b {
				return 0, nil
			}
			return 0, c.failure("rejected by CRM", body)
		}
	}
	return 0, c.failure("unexpected response format", body)
}

// failure logs the refusal with the response body base64-encoded, so
// arbitrary backend bytes stay safe to log, and wraps it as *Error.
func (c *Client) failure(reason string, body []byte) error {
	attrs := []any{slog.String("reason", reason)}
	if body != nil {
		attrs = append(attrs, slog.String("response_b64", base64.StdEncoding.EncodeToString(body)))
	}
	c.logger.Warn("delivery failed", attrs...)
	metrics.Deliveries.WithLabelValues("failed").Inc()
	return &Error{Reason: reason, Body: body}
}
