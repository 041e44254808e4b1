package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

type ClientOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // time allowed for response headers after the request is written
	SigningSecret  string
}

// Result describes the HTTP exchange of one attempt; StatusCode is 0 when no response arrived
type Result struct {
	StatusCode int
	Latency    time.Duration
}

// Client POSTs payloads to callbacks, one circuit breaker per callback host
type Client struct {
	http     *http.Client
	breakers *circuit.Registry
	secret   string
	now      func() time.Time
}

func NewClient(breakers *circuit.Registry, opts ClientOptions) *Client {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
			// following a redirect would turn the POST into a GET and drop the payload
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		breakers: breakers,
		secret:   opts.SigningSecret,
		now:      time.Now,
	}
}

// Deliver performs one attempt. Errors are typed: ValidationError for an unusable URL,
// CircuitOpenError when the host's breaker rejects the call, TransientError for
// network failures and 5xx, RejectedError for 4xx, UnexpectedStatusError for anything else.
func (c *Client) Deliver(ctx context.Context, t Task) (Result, error) {
	u, err := url.Parse(t.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{}, &ValidationError{Field: "callback_url", Reason: "must be an absolute http(s) URL"}
	}
	body, err := json.Marshal(t.Payload)
	if err != nil {
		return Result{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	done, err := c.breakers.Get(u.Host).Allow()
	if err != nil {
		tracing.AddSpanEvent(ctx, "circuit.rejected", attribute.String("host", u.Host))
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		done(true)
		return Result{}, &ValidationError{Field: "callback_url", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderReferenceID, t.ReferenceID)
	req.Header.Set(HeaderCorrelationID, t.CorrelationID)
	req.Header.Set(HeaderIdempotencyKey, t.IdempotencyKey)
	if c.secret != "" {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(c.secret, body, ts))
	}
	tracing.InjectHTTP(ctx, req.Header)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, err := c.http.Do(req)
	res := Result{Latency: time.Since(start)}
	if err != nil {
		done(false)
		return res, &TransientError{Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	res.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		done(true)
		return res, nil
	case resp.StatusCode >= 500:
		done(false)
		return res, &TransientError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		// the host answered, so it is not a breaker failure
		done(true)
		return res, &RejectedError{StatusCode: resp.StatusCode}
	default:
		done(true)
		return res, &UnexpectedStatusError{StatusCode: resp.StatusCode}
	}
}
