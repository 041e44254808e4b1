package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/config"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"basic", ModeBasic, false},
		{"complete", ModeComplete, false},
		{"BASIC", "", true},
		{"extended", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
		if err != nil && !errors.Is(err, ErrUnknownMode) {
			t.Errorf("ParseMode(%q) error = %v, want ErrUnknownMode", tt.in, err)
		}
	}
	if !ModeBasic.Settings().SkipFinancials || !ModeBasic.Settings().SkipLegal {
		t.Error("basic mode should skip financial and legal reviews")
	}
	if ModeComplete.Settings().SkipFinancials || ModeComplete.Settings().SkipLegal {
		t.Error("complete mode should run every review")
	}
	if names := ModeNames(); len(names) != 2 || names[0] != "basic" || names[1] != "complete" {
		t.Errorf("ModeNames() = %v", names)
	}
}

func TestClaimPreservesExtraFields(t *testing.T) {
	in := `{"reference_id":"REF-1","crd_number":"12345","entity_name":"Acme Advisors","business_ref":"BIZ-9","tax_id":"99-1"}`
	var c Claim
	if err := json.Unmarshal([]byte(in), &c); err != nil {
		t.Fatal(err)
	}
	if c.ReferenceID != "REF-1" || c.CRDNumber != "12345" || c.EntityName != "Acme Advisors" {
		t.Errorf("known fields = %+v", c)
	}
	if c.Extra["business_ref"] != "BIZ-9" || c.Extra["tax_id"] != "99-1" || len(c.Extra) != 2 {
		t.Errorf("Extra = %v", c.Extra)
	}

	out, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var round map[string]any
	_ = json.Unmarshal(out, &round)
	if round["business_ref"] != "BIZ-9" || round["crd_number"] != "12345" {
		t.Errorf("round trip = %s", out)
	}
	if _, has := round["webhook_url"]; has {
		t.Errorf("empty webhook_url should be omitted: %s", out)
	}
}

var fixedNow = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestEvaluator() *LocalEvaluator {
	return &LocalEvaluator{now: func() time.Time { return fixedNow }}
}

func cleanFirm() FirmData {
	return FirmData{
		CRDNumber:           "12345",
		Name:                "Acme Advisors",
		Source:              "FINRA_BrokerCheck",
		IsSECRegistered:     true,
		IsFINRARegistered:   true,
		RegistrationStatus:  "APPROVED",
		RegistrationDate:    "2015-06-01",
		ADVFilingDate:       "2024-12-01",
		HasADVDocument:      true,
		HeadquartersCountry: "United States",
	}
}

func TestLocalEvaluator(t *testing.T) {
	claim := Claim{ReferenceID: "REF-1", CRDNumber: "12345", EntityName: "Acme Advisors"}
	tests := []struct {
		name       string
		mode       Mode
		mutate     func(*FirmData)
		compliant  bool
		risk       string
		alertTypes []string
	}{
		{name: "clean complete", mode: ModeComplete, mutate: func(*FirmData) {}, compliant: true, risk: "Low"},
		{name: "no registration", mode: ModeBasic, mutate: func(f *FirmData) {
			f.IsSECRegistered, f.IsFINRARegistered = false, false
		}, risk: "High", alertTypes: []string{"NoActiveRegistration"}},
		{name: "terminated", mode: ModeBasic, mutate: func(f *FirmData) { f.RegistrationStatus = "terminated" },
			risk: "High", alertTypes: []string{"TerminatedRegistration"}},
		{name: "pending", mode: ModeBasic, mutate: func(f *FirmData) { f.RegistrationStatus = "PENDING" },
			risk: "Medium", alertTypes: []string{"PendingRegistration"}},
		{name: "old registration is low risk", mode: ModeBasic, mutate: func(f *FirmData) { f.RegistrationDate = "1990-01-01" },
			compliant: true, risk: "Low", alertTypes: []string{"OldRegistration"}},
		{name: "unresolved disclosure", mode: ModeBasic, mutate: func(f *FirmData) {
			f.Disclosures = []Disclosure{{Status: "Pending", Date: "2024-01-10"}}
		}, risk: "High", alertTypes: []string{"UnresolvedDisclosure"}},
		{name: "recent resolved disclosure still compliant", mode: ModeBasic, mutate: func(f *FirmData) {
			f.Disclosures = []Disclosure{{Status: "Resolved", Date: "2024-05-01"}}
		}, compliant: true, risk: "Medium", alertTypes: []string{"RecentDisclosure"}},
		{name: "basic skips financials", mode: ModeBasic, mutate: func(f *FirmData) { f.ADVFilingDate = "" },
			compliant: true, risk: "Low"},
		{name: "complete flags missing adv", mode: ModeComplete, mutate: func(f *FirmData) { f.ADVFilingDate = "" },
			risk: "High", alertTypes: []string{"NoADVFiling"}},
		{name: "complete flags pending legal action", mode: ModeComplete, mutate: func(f *FirmData) {
			f.Disclosures = []Disclosure{{Type: "civil", Status: "Resolved", Date: "2018-01-01"}, {Type: "CRIMINAL", Status: "open", Date: "2019-01-01"}}
		}, risk: "High", alertTypes: []string{"UnresolvedDisclosure", "PendingLegalAction"}},
		{name: "complete flags jurisdiction", mode: ModeComplete, mutate: func(f *FirmData) { f.HeadquartersCountry = "Canada" },
			compliant: true, risk: "Medium", alertTypes: []string{"JurisdictionMismatch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			firm := cleanFirm()
			tt.mutate(&firm)
			r, err := newTestEvaluator().Evaluate(context.Background(), claim, firm, tt.mode)
			if err != nil {
				t.Fatal(err)
			}
			f := r.FinalEvaluation
			if f.OverallCompliance != tt.compliant || f.OverallRiskLevel != tt.risk {
				t.Errorf("final = %v/%s, want %v/%s (%s)", f.OverallCompliance, f.OverallRiskLevel, tt.compliant, tt.risk, f.Description)
			}
			got := map[string]bool{}
			for _, a := range f.Alerts {
				got[a.AlertType] = true
			}
			for _, want := range tt.alertTypes {
				if !got[want] {
					t.Errorf("missing alert %s in %v", want, f.Alerts)
				}
			}
			if tt.mode == ModeBasic && (!r.FinancialEvaluation.Skipped || !r.LegalEvaluation.Skipped) {
				t.Error("basic mode ran skipped reviews")
			}
			if r.ReferenceID != "REF-1" || r.Mode != tt.mode || !r.GeneratedAt.Equal(fixedNow) {
				t.Errorf("header = %s/%s/%v", r.ReferenceID, r.Mode, r.GeneratedAt)
			}
		})
	}
}

type fakeFetcher struct {
	firm  FirmData
	err   error
	calls int
}

func (f *fakeFetcher) FetchFirm(context.Context, string) (FirmData, error) {
	f.calls++
	return f.firm, f.err
}

func newTestRegistry() *circuit.Registry {
	return circuit.NewRegistry(circuit.Settings{FailureThreshold: 5, ResetTimeout: time.Minute},
		circuit.WithStateHook(func(string, circuit.State, circuit.State) {}))
}

func TestPipelineEvaluate(t *testing.T) {
	claim := Claim{ReferenceID: "REF-1", CRDNumber: "12345", EntityName: "Acme"}
	fetcher := &fakeFetcher{firm: cleanFirm()}
	p := NewPipeline(fetcher, newTestEvaluator(), newTestRegistry(), time.Second)

	r, err := p.Evaluate(context.Background(), claim, ModeComplete)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !r.FinalEvaluation.OverallCompliance {
		t.Errorf("report = %+v", r.FinalEvaluation)
	}
}

func TestPipelineFirmNotFound(t *testing.T) {
	reg := newTestRegistry()
	fetcher := &fakeFetcher{err: ErrFirmNotFound}
	p := NewPipeline(fetcher, newTestEvaluator(), reg, 0)
	claim := Claim{ReferenceID: "REF-1", CRDNumber: "999", EntityName: "Ghost LLC"}

	for i := 0; i < 7; i++ {
		r, err := p.Evaluate(context.Background(), claim, ModeBasic)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if r.SearchEvaluation.Compliance || r.FinalEvaluation.OverallCompliance || r.FinalEvaluation.OverallRiskLevel != "High" {
			t.Fatalf("not-found report = %+v", r.FinalEvaluation)
		}
	}
	if st := reg.Get(circuit.DependencyFirmData).State(); st != circuit.Closed {
		t.Errorf("firm_data breaker = %s after not-found answers, want closed", st)
	}
}

func TestPipelineFirmDataBreakerOpens(t *testing.T) {
	reg := newTestRegistry()
	fetcher := &fakeFetcher{err: errors.New("connection reset")}
	p := NewPipeline(fetcher, newTestEvaluator(), reg, 0)
	claim := Claim{ReferenceID: "REF-1", CRDNumber: "1", EntityName: "x"}

	for i := 0; i < 5; i++ {
		if _, err := p.Evaluate(context.Background(), claim, ModeBasic); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := p.Evaluate(context.Background(), claim, ModeBasic)
	var open *circuit.CircuitOpenError
	if !errors.As(err, &open) || open.Dependency != circuit.DependencyFirmData {
		t.Fatalf("sixth Evaluate() error = %v, want firm_data CircuitOpenError", err)
	}
	if fetcher.calls != 5 {
		t.Errorf("fetch calls = %d, want 5", fetcher.calls)
	}
}

func TestHTTPFirmFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/firms/12345":
			_ = json.NewEncoder(w).Encode(FirmData{Name: "Acme", IsSECRegistered: true})
		case "/firms/404":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := NewHTTPFirmFetcher(srv.URL+"/", time.Second)
	firm, err := f.FetchFirm(context.Background(), "12345")
	if err != nil || firm.Name != "Acme" || firm.CRDNumber != "12345" {
		t.Errorf("FetchFirm() = %+v, %v", firm, err)
	}
	if _, err := f.FetchFirm(context.Background(), "404"); !errors.Is(err, ErrFirmNotFound) {
		t.Errorf("FetchFirm(404) error = %v", err)
	}
	if _, err := f.FetchFirm(context.Background(), "500"); err == nil || errors.Is(err, ErrFirmNotFound) {
		t.Errorf("FetchFirm(502) error = %v", err)
	}
}

func TestHTTPEvaluator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !req.Settings.SkipLegal || req.Claim.CRDNumber != "12345" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(Report{ReferenceID: req.Claim.ReferenceID, Mode: req.Mode,
			FinalEvaluation: FinalEvaluation{OverallCompliance: true, OverallRiskLevel: "Low"}})
	}))
	defer srv.Close()

	e := NewHTTPEvaluator(srv.URL, time.Second)
	r, err := e.Evaluate(context.Background(), Claim{ReferenceID: "REF-1", CRDNumber: "12345"}, cleanFirm(), ModeBasic)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if r.ReferenceID != "REF-1" || !r.FinalEvaluation.OverallCompliance {
		t.Errorf("report = %+v", r)
	}
	if _, err := e.Evaluate(context.Background(), Claim{CRDNumber: "1"}, cleanFirm(), ModeBasic); err == nil {
		t.Error("expected error for 422")
	}
}

func TestNewPipelineFromConfig(t *testing.T) {
	reg := circuit.NewRegistry(circuit.DefaultSettings())
	p := NewPipelineFromConfig(config.Evaluation{FirmDataURL: "http://firm-data:9100", Timeout: time.Second}, reg)
	if _, ok := p.rules.(*LocalEvaluator); !ok {
		t.Errorf("rules = %T, want *LocalEvaluator", p.rules)
	}
	p = NewPipelineFromConfig(config.Evaluation{FirmDataURL: "http://firm-data:9100", EvaluatorURL: "http://evaluator:9200"}, reg)
	if _, ok := p.rules.(*HTTPEvaluator); !ok {
		t.Errorf("rules = %T, want *HTTPEvaluator", p.rules)
	}
}
