package delivery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/claimrelay/internal/circuit"
)

func newTestClient(opts ClientOptions) *Client {
	reg := circuit.NewRegistry(circuit.Settings{FailureThreshold: 5, ResetTimeout: time.Minute},
		circuit.WithStateHook(func(string, circuit.State, circuit.State) {}))
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 2 * time.Second
	}
	return NewClient(reg, opts)
}

func TestDeliverSetsHeaders(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(ClientOptions{SigningSecret: "s3cret"})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	task := validTask()
	task.CallbackURL = srv.URL + "/hook"

	res, err := c.Deliver(context.Background(), task)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}

	tests := []struct{ header, want string }{
		{"Content-Type", "application/json"},
		{HeaderReferenceID, "REF-1"},
		{HeaderCorrelationID, "corr-1"},
		{HeaderIdempotencyKey, "idem-1"},
		{HeaderTimestamp, "1700000000"},
	}
	for _, tt := range tests {
		if v := got.Get(tt.header); v != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, v, tt.want)
		}
	}
	if !VerifySignature("s3cret", body, "1700000000", got.Get(HeaderSignature)) {
		t.Errorf("signature %q does not verify", got.Get(HeaderSignature))
	}
}

func TestDeliverUnsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(HeaderSignature))
	}))
	defer srv.Close()

	task := validTask()
	task.CallbackURL = srv.URL
	if _, err := newTestClient(ClientOptions{}).Deliver(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if s := sig.Load().(string); s != "" {
		t.Errorf("unexpected signature header %q", s)
	}
}

func TestDeliverErrorTypes(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		check func(error) bool
	}{
		{name: "2xx", code: http.StatusAccepted, check: func(err error) bool { return err == nil }},
		{name: "5xx", code: http.StatusBadGateway, check: func(err error) bool {
			var te *TransientError
			return errors.As(err, &te) && te.StatusCode == http.StatusBadGateway
		}},
		{name: "4xx", code: http.StatusBadRequest, check: func(err error) bool {
			var re *RejectedError
			return errors.As(err, &re) && re.StatusCode == http.StatusBadRequest
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			task := validTask()
			task.CallbackURL = srv.URL
			res, err := newTestClient(ClientOptions{}).Deliver(context.Background(), task)
			if !tt.check(err) {
				t.Errorf("Deliver() error = %v", err)
			}
			if res.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.code)
			}
		})
	}
}

func TestDeliverDoesNotFollowRedirects(t *testing.T) {
	var targetHits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	task := validTask()
	task.CallbackURL = srv.URL
	res, err := newTestClient(ClientOptions{}).Deliver(context.Background(), task)
	var ue *UnexpectedStatusError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusFound {
		t.Fatalf("Deliver() error = %v, want UnexpectedStatusError(302)", err)
	}
	if res.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want 302", res.StatusCode)
	}
	if n := targetHits.Load(); n != 0 {
		t.Errorf("redirect target hit %d times", n)
	}
	if o := Classify(res.StatusCode, err); o.Kind != OutcomeTerminal {
		t.Errorf("Classify() = %s, want terminal", o.Kind)
	}
}

func TestDeliverInvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative", "mailto:ops@example.com"} {
		task := validTask()
		task.CallbackURL = u
		_, err := newTestClient(ClientOptions{}).Deliver(context.Background(), task)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Deliver(%q) error = %v, want ValidationError", u, err)
		}
	}
}

// closedAddr returns an address nothing is listening on
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestDeliverConnectionRefused(t *testing.T) {
	task := validTask()
	task.CallbackURL = "http://" + closedAddr(t) + "/hook"

	res, err := newTestClient(ClientOptions{}).Deliver(context.Background(), task)
	var te *TransientError
	if !errors.As(err, &te) || te.StatusCode != 0 {
		t.Fatalf("Deliver() error = %v, want network TransientError", err)
	}
	if res.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", res.StatusCode)
	}
	if o := Classify(res.StatusCode, err); o.Kind != OutcomeRetryable {
		t.Errorf("Classify() = %s", o.Kind)
	}
}

func TestDeliverReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	task := validTask()
	task.CallbackURL = srv.URL
	_, err := newTestClient(ClientOptions{ReadTimeout: 50 * time.Millisecond}).Deliver(context.Background(), task)
	if o := Classify(0, err); o.Kind != OutcomeRetryable || o.Reason != "timeout" {
		t.Errorf("Classify() = %s/%s, err = %v", o.Kind, o.Reason, err)
	}
}

func TestDeliverCircuitOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer healthy.Close()

	c := newTestClient(ClientOptions{})
	task := validTask()
	task.CallbackURL = failing.URL

	for i := 0; i < 5; i++ {
		if _, err := c.Deliver(context.Background(), task); err == nil {
			t.Fatalf("call %d: expected error", i+1)
		}
	}

	// the sixth call never reaches the host
	_, err := c.Deliver(context.Background(), task)
	var open *circuit.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("sixth Deliver() error = %v, want CircuitOpenError", err)
	}
	if n := hits.Load(); n != 5 {
		t.Errorf("host hits = %d, want 5", n)
	}
	if o := Classify(0, err); o.Label() != "circuit_open" {
		t.Errorf("Label() = %q", o.Label())
	}

	task.CallbackURL = healthy.URL
	if _, err := c.Deliver(context.Background(), task); err != nil {
		t.Errorf("other host affected by open circuit: %v", err)
	}
}

func TestDeliverRejectionDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(ClientOptions{})
	task := validTask()
	task.CallbackURL = srv.URL
	for i := 0; i < 8; i++ {
		_, err := c.Deliver(context.Background(), task)
		var re *RejectedError
		if !errors.As(err, &re) {
			t.Fatalf("call %d error = %v, want RejectedError", i+1, err)
		}
	}
	if n := hits.Load(); n != 8 {
		t.Errorf("host hits = %d, want 8", n)
	}
}
