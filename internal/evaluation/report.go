package evaluation

import "time"

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
	SeverityInfo   Severity = "INFO"
)

type Alert struct {
	AlertType   string         `json:"alert_type"`
	Severity    Severity       `json:"severity"`
	Category    string         `json:"alert_category"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Section is the outcome of one review
type Section struct {
	Source      string  `json:"source,omitempty"`
	Compliance  bool    `json:"compliance"`
	Explanation string  `json:"compliance_explanation"`
	Alerts      []Alert `json:"alerts"`
	Skipped     bool    `json:"skipped,omitempty"`
}

type FinalEvaluation struct {
	OverallCompliance bool    `json:"overall_compliance"`
	OverallRiskLevel  string  `json:"overall_risk_level"` // High | Medium | Low
	Recommendations   string  `json:"recommendations"`
	Description       string  `json:"description"`
	Alerts            []Alert `json:"alerts"`
}

// Report is the compliance report returned synchronously or delivered to the callback
type Report struct {
	ReferenceID         string          `json:"reference_id"`
	Mode                Mode            `json:"mode"`
	CRDNumber           string          `json:"crd_number"`
	EntityName          string          `json:"entity_name"`
	GeneratedAt         time.Time       `json:"generated_at"`
	SearchEvaluation    Section         `json:"search_evaluation"`
	RegistrationStatus  Section         `json:"registration_status"`
	DisclosureReview    Section         `json:"disclosure_review"`
	FinancialEvaluation Section         `json:"financial_evaluation"`
	LegalEvaluation     Section         `json:"legal_evaluation"`
	FinalEvaluation     FinalEvaluation `json:"final_evaluation"`
}

// FirmData is what the firm-data dependency returns for a CRD number
type FirmData struct {
	CRDNumber           string       `json:"crd_number"`
	Name                string       `json:"firm_name"`
	Source              string       `json:"source"`
	IsSECRegistered     bool         `json:"is_sec_registered"`
	IsFINRARegistered   bool         `json:"is_finra_registered"`
	IsStateRegistered   bool         `json:"is_state_registered"`
	RegistrationStatus  string       `json:"registration_status"`
	RegistrationDate    string       `json:"registration_date,omitempty"`
	ADVFilingDate       string       `json:"adv_filing_date,omitempty"`
	HasADVDocument      bool         `json:"has_adv_pdf"`
	HeadquartersCountry string       `json:"headquarters_country,omitempty"`
	Disclosures         []Disclosure `json:"disclosures,omitempty"`
}

type Disclosure struct {
	Type        string   `json:"type,omitempty"` // FINANCIAL, BANKRUPTCY, CIVIL, CRIMINAL, REGULATORY, ...
	Status      string   `json:"status"`
	Date        string   `json:"date"`
	Description string   `json:"description,omitempty"`
	Sanctions   []string `json:"sanctions,omitempty"`
}
