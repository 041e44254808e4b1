package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Mode selects which reviews an evaluation runs
type Mode string

const (
	ModeBasic    Mode = "basic"
	ModeComplete Mode = "complete"
)

// ModeSettings are the review switches behind a Mode
type ModeSettings struct {
	SkipFinancials bool   `json:"skip_financials"`
	SkipLegal      bool   `json:"skip_legal"`
	Description    string `json:"description"`
}

var modes = map[Mode]ModeSettings{
	ModeBasic: {
		SkipFinancials: true,
		SkipLegal:      true,
		Description:    "Minimal processing: skips financial and legal reviews",
	},
	ModeComplete: {
		Description: "Full processing: runs every review",
	},
}

var ErrUnknownMode = errors.New("unknown processing mode")

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if _, ok := modes[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

func (m Mode) Settings() ModeSettings {
	return modes[m]
}

// Modes returns every supported mode with its settings
func Modes() map[Mode]ModeSettings {
	out := make(map[Mode]ModeSettings, len(modes))
	for k, v := range modes {
		out[k] = v
	}
	return out
}

// ModeNames returns the supported mode names in sorted order
func ModeNames() []string {
	names := make([]string, 0, len(modes))
	for m := range modes {
		names = append(names, string(m))
	}
	sort.Strings(names)
	return names
}

// Claim identifies the firm to evaluate. Fields the service does not know about are
// kept in Extra and survive a JSON round trip.
type Claim struct {
	ReferenceID string         `json:"reference_id" validate:"required,max=128"`
	CRDNumber   string         `json:"crd_number" validate:"required,numeric,max=16"`
	EntityName  string         `json:"entity_name" validate:"required,max=256"`
	WebhookURL  string         `json:"webhook_url,omitempty" validate:"omitempty,http_url"`
	Extra       map[string]any `json:"-"`
}

var claimFields = map[string]bool{
	"reference_id": true,
	"crd_number":   true,
	"entity_name":  true,
	"webhook_url":  true,
}

func (c *Claim) UnmarshalJSON(data []byte) error {
	type known Claim
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for name := range claimFields {
		delete(all, name)
	}
	*c = Claim(k)
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

func (c Claim) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+4)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["reference_id"] = c.ReferenceID
	out["crd_number"] = c.CRDNumber
	out["entity_name"] = c.EntityName
	if c.WebhookURL != "" {
		out["webhook_url"] = c.WebhookURL
	}
	return json.Marshal(out)
}
