package delivery

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/status"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeRejected
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// Outcome is the classified result of one delivery attempt
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Reason     string // metrics label: http_5xx, timeout, circuit_open, ...
	Err        error
}

// Label is the attempts counter label; circuit rejections are split out from other retryables
func (o Outcome) Label() string {
	if o.Reason == "circuit_open" {
		return o.Reason
	}
	return o.Kind.String()
}

// Classify maps a client result to an Outcome
func Classify(statusCode int, err error) Outcome {
	var (
		validation *ValidationError
		rejected   *RejectedError
		transient  *TransientError
		unexpected *UnexpectedStatusError
		open       *circuit.CircuitOpenError
	)
	switch {
	case err == nil && statusCode >= 200 && statusCode < 300:
		return Outcome{Kind: OutcomeSuccess, StatusCode: statusCode, Reason: "ok"}
	case errors.As(err, &validation):
		return Outcome{Kind: OutcomeTerminal, Reason: "validation", Err: err}
	case errors.As(err, &open):
		return Outcome{Kind: OutcomeRetryable, Reason: "circuit_open", Err: err}
	case errors.As(err, &rejected):
		return Outcome{Kind: OutcomeRejected, StatusCode: rejected.StatusCode, Reason: "http_4xx", Err: err}
	case errors.As(err, &unexpected):
		return Outcome{Kind: OutcomeTerminal, StatusCode: unexpected.StatusCode, Reason: "unexpected_status", Err: err}
	case errors.As(err, &transient):
		return Outcome{Kind: OutcomeRetryable, StatusCode: transient.StatusCode, Reason: classifyReason(transient.Err, transient.StatusCode), Err: err}
	case err != nil:
		return Outcome{Kind: OutcomeRetryable, StatusCode: statusCode, Reason: classifyReason(err, statusCode), Err: err}
	case statusCode >= 500:
		return Outcome{Kind: OutcomeRetryable, StatusCode: statusCode, Reason: "http_5xx"}
	case statusCode >= 400:
		return Outcome{Kind: OutcomeRejected, StatusCode: statusCode, Reason: "http_4xx"}
	default:
		// 1xx, 3xx, or no response without an error: retrying would get the same answer
		return Outcome{Kind: OutcomeTerminal, StatusCode: statusCode, Reason: "unexpected_status",
			Err: &UnexpectedStatusError{StatusCode: statusCode}}
	}
}

func classifyReason(err error, statusCode int) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
			return "dns_error"
		}
		return "network"
	}
	if statusCode >= 500 {
		return "http_5xx"
	}
	return "other"
}

// Policy is the retry budget for a delivery lineage
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxRejections int                 // 4xx responses tolerated before giving up
	Jitter        func(n int64) int64 // returns [0, n); defaults to math/rand
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxRejections: 1}
}

// Backoff returns base*2^(attempt-1) plus jitter in [0, base)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << uint(attempt-1)
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Int63n
	}
	return delay + time.Duration(jitter(int64(p.BaseDelay)))
}

// Decision is what the worker does after an attempt
type Decision struct {
	Next          status.Status // delivered, retrying, or failed
	Delay         time.Duration // only for retrying
	RejectedCount int
	Reason        string
	Err           error // ExhaustedError or the terminal cause when Next is failed
}

// Decide applies the retry policy. attempt counts attempts made including this one;
// rejections counts 4xx responses before this one.
func Decide(o Outcome, attempt, rejections int, p Policy) Decision {
	d := Decision{RejectedCount: rejections, Reason: o.Reason}

	switch o.Kind {
	case OutcomeSuccess:
		d.Next = status.Delivered
		return d
	case OutcomeTerminal:
		d.Next = status.Failed
		d.Err = o.Err
		return d
	case OutcomeRejected:
		d.RejectedCount++
		if d.RejectedCount > p.MaxRejections {
			d.Next = status.Failed
			d.Reason = "http_4xx_repeated"
			d.Err = o.Err
			return d
		}
	}

	if attempt >= p.MaxAttempts {
		d.Next = status.Failed
		d.Reason = "max_attempts"
		d.Err = &ExhaustedError{Attempts: attempt, Last: o.Err}
		return d
	}
	d.Next = status.Retrying
	d.Delay = p.Backoff(attempt)
	return d
}
