package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/claimrelay/internal/tracing"
)

// HTTPFirmFetcher reads firm records from GET {base}/firms/{crd}
type HTTPFirmFetcher struct {
	base   string
	client *http.Client
}

func NewHTTPFirmFetcher(baseURL string, timeout time.Duration) *HTTPFirmFetcher {
	return &HTTPFirmFetcher{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFirmFetcher) FetchFirm(ctx context.Context, crdNumber string) (FirmData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/firms/"+url.PathEscape(crdNumber), nil)
	if err != nil {
		return FirmData{}, err
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return FirmData{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return FirmData{}, ErrFirmNotFound
	case resp.StatusCode != http.StatusOK:
		return FirmData{}, fmt.Errorf("firm data: HTTP %d: %s", resp.StatusCode, snippet(resp.Body))
	}
	var firm FirmData
	if err := json.NewDecoder(resp.Body).Decode(&firm); err != nil {
		return FirmData{}, fmt.Errorf("decode firm data: %w", err)
	}
	if firm.CRDNumber == "" {
		firm.CRDNumber = crdNumber
	}
	return firm, nil
}

// HTTPEvaluator delegates rule evaluation to POST {base}/evaluate
type HTTPEvaluator struct {
	base   string
	client *http.Client
}

func NewHTTPEvaluator(baseURL string, timeout time.Duration) *HTTPEvaluator {
	return &HTTPEvaluator{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type evaluateRequest struct {
	Claim    Claim        `json:"claim"`
	Firm     FirmData     `json:"firm"`
	Mode     Mode         `json:"mode"`
	Settings ModeSettings `json:"settings"`
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, claim Claim, firm FirmData, mode Mode) (Report, error) {
	body, err := json.Marshal(evaluateRequest{Claim: claim, Firm: firm, Mode: mode, Settings: mode.Settings()})
	if err != nil {
		return Report{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("evaluator: HTTP %d: %s", resp.StatusCode, snippet(resp.Body))
	}
	var r Report
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
