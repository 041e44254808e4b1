package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var alertCategories = map[string]string{
	"NoActiveRegistration":    "REGISTRATION",
	"TerminatedRegistration":  "REGISTRATION",
	"PendingRegistration":     "REGISTRATION",
	"UnresolvedDisclosure":    "DISCLOSURE",
	"RecentDisclosure":        "DISCLOSURE",
	"SanctionsImposed":        "DISCLOSURE",
	"FinancialDisclosure":     "FINANCIAL",
	"OutdatedFinancialFiling": "FINANCIAL",
	"NoADVFiling":             "FINANCIAL",
	"MissingADVDocument":      "FINANCIAL",
	"PendingLegalAction":      "LEGAL",
	"JurisdictionMismatch":    "LEGAL",
	"FirmNotFound":            "DATA_INTEGRITY",
}

func newAlert(alertType string, sev Severity, description string, meta map[string]any) Alert {
	cat, ok := alertCategories[alertType]
	if !ok {
		cat = "GENERAL"
	}
	return Alert{AlertType: alertType, Severity: sev, Category: cat, Description: description, Metadata: meta}
}

// LocalEvaluator applies the built-in compliance rules in-process
type LocalEvaluator struct {
	now func() time.Time
}

func NewLocalEvaluator() *LocalEvaluator {
	return &LocalEvaluator{now: time.Now}
}

func (e *LocalEvaluator) Evaluate(_ context.Context, claim Claim, firm FirmData, mode Mode) (Report, error) {
	settings := mode.Settings()
	now := e.now().UTC()
	r := Report{
		ReferenceID: claim.ReferenceID,
		Mode:        mode,
		CRDNumber:   claim.CRDNumber,
		EntityName:  claim.EntityName,
		GeneratedAt: now,
		SearchEvaluation: Section{
			Source:      firm.Source,
			Compliance:  true,
			Explanation: "Successfully retrieved firm details using CRD number",
			Alerts:      []Alert{},
		},
	}
	r.RegistrationStatus = e.registration(firm, now)
	r.DisclosureReview = e.disclosures(firm, now)
	if settings.SkipFinancials {
		r.FinancialEvaluation = skipped("Financial review skipped by processing mode")
	} else {
		r.FinancialEvaluation = e.financials(firm, now)
	}
	if settings.SkipLegal {
		r.LegalEvaluation = skipped("Legal review skipped by processing mode")
	} else {
		r.LegalEvaluation = e.legal(firm)
	}
	r.FinalEvaluation = finalize(r.SearchEvaluation, r.RegistrationStatus, r.DisclosureReview, r.FinancialEvaluation, r.LegalEvaluation)
	return r, nil
}

// NotFoundReport is returned when the firm-data source has no record for the claim
func NotFoundReport(claim Claim, mode Mode, now time.Time) Report {
	alert := newAlert("FirmNotFound", SeverityHigh, "No results found for provided CRD number",
		map[string]any{"crd_number": claim.CRDNumber})
	search := Section{Compliance: false, Explanation: "No results found for provided CRD number", Alerts: []Alert{alert}}
	skip := skipped("No firm data available")
	r := Report{
		ReferenceID:         claim.ReferenceID,
		Mode:                mode,
		CRDNumber:           claim.CRDNumber,
		EntityName:          claim.EntityName,
		GeneratedAt:         now.UTC(),
		SearchEvaluation:    search,
		RegistrationStatus:  skip,
		DisclosureReview:    skip,
		FinancialEvaluation: skip,
		LegalEvaluation:     skip,
	}
	r.FinalEvaluation = finalize(search, skip, skip, skip, skip)
	return r
}

func skipped(explanation string) Section {
	return Section{Compliance: true, Explanation: explanation, Alerts: []Alert{}, Skipped: true}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func (e *LocalEvaluator) registration(firm FirmData, now time.Time) Section {
	s := Section{Source: firm.Source, Alerts: []Alert{}}
	status := strings.ToUpper(firm.RegistrationStatus)
	meta := map[string]any{"registration_status": status}

	if !firm.IsSECRegistered && !firm.IsFINRARegistered && !firm.IsStateRegistered {
		s.Alerts = append(s.Alerts, newAlert("NoActiveRegistration", SeverityHigh,
			"No active registrations found with any regulatory body", meta))
		s.Explanation = "No active registrations found"
		return s
	}
	switch status {
	case "TERMINATED":
		s.Alerts = append(s.Alerts, newAlert("TerminatedRegistration", SeverityHigh,
			"Firm's registration has been terminated", meta))
		s.Explanation = "Registration is terminated"
		return s
	case "PENDING":
		s.Alerts = append(s.Alerts, newAlert("PendingRegistration", SeverityMedium,
			"Firm's registration is pending approval", meta))
		s.Explanation = "Registration is pending"
		return s
	}

	if firm.RegistrationDate != "" {
		meta := map[string]any{"registration_date": firm.RegistrationDate}
		d, err := parseDate(firm.RegistrationDate)
		switch {
		case err != nil:
			s.Alerts = append(s.Alerts, newAlert("InvalidDateFormat", SeverityMedium, "Invalid registration date format", meta))
		case d.After(now):
			s.Alerts = append(s.Alerts, newAlert("InvalidRegistrationDate", SeverityHigh, "Registration date is in the future", meta))
			s.Explanation = "Invalid registration date"
			return s
		case now.Sub(d) > 20*365*24*time.Hour:
			s.Alerts = append(s.Alerts, newAlert("OldRegistration", SeverityLow, "Registration is more than 20 years old", meta))
		}
	}

	var regs []string
	if firm.IsSECRegistered {
		regs = append(regs, "SEC")
	}
	if firm.IsFINRARegistered {
		regs = append(regs, "FINRA")
	}
	if firm.IsStateRegistered {
		regs = append(regs, "state")
	}
	s.Compliance = true
	s.Explanation = "Firm is actively registered with " + strings.Join(regs, ", ")
	return s
}

func (e *LocalEvaluator) disclosures(firm FirmData, now time.Time) Section {
	s := Section{Source: firm.Source, Alerts: []Alert{}}
	if len(firm.Disclosures) == 0 {
		s.Compliance = true
		s.Explanation = "No disclosures found"
		return s
	}

	var unresolved, recent, sanctioned int
	for _, d := range firm.Disclosures {
		if d.Date == "" {
			s.Alerts = append(s.Alerts, newAlert("MissingDisclosureDate", SeverityMedium,
				"Missing date in disclosure record", map[string]any{"status": d.Status}))
			continue
		}
		date, err := parseDate(d.Date)
		if err != nil {
			s.Alerts = append(s.Alerts, newAlert("InvalidDisclosureDate", SeverityMedium,
				"Invalid date format in disclosure", map[string]any{"date": d.Date}))
			continue
		}
		if !strings.EqualFold(d.Status, "RESOLVED") {
			unresolved++
			s.Alerts = append(s.Alerts, newAlert("UnresolvedDisclosure", SeverityHigh,
				"Unresolved disclosure from "+d.Date,
				map[string]any{"date": d.Date, "status": strings.ToUpper(d.Status), "description": d.Description}))
		} else if now.Sub(date) <= 2*365*24*time.Hour {
			recent++
			s.Alerts = append(s.Alerts, newAlert("RecentDisclosure", SeverityMedium,
				"Recently resolved disclosure from "+d.Date,
				map[string]any{"date": d.Date, "description": d.Description}))
		}
		if len(d.Sanctions) > 0 {
			sanctioned++
			s.Alerts = append(s.Alerts, newAlert("SanctionsImposed", SeverityHigh,
				"Active sanctions from disclosure dated "+d.Date,
				map[string]any{"date": d.Date, "sanctions": d.Sanctions}))
		}
	}

	if unresolved == 0 && sanctioned == 0 {
		s.Compliance = true
		if recent == 0 {
			s.Explanation = "All disclosures resolved with no recent incidents"
		} else {
			s.Explanation = fmt.Sprintf("%d recently resolved disclosure(s) found", recent)
		}
		return s
	}
	var issues []string
	if unresolved > 0 {
		issues = append(issues, fmt.Sprintf("%d unresolved disclosure(s)", unresolved))
	}
	if sanctioned > 0 {
		issues = append(issues, fmt.Sprintf("%d active sanction(s)", sanctioned))
	}
	s.Explanation = "Issues found: " + strings.Join(issues, ", ")
	return s
}

func (e *LocalEvaluator) financials(firm FirmData, now time.Time) Section {
	s := Section{Source: firm.Source, Alerts: []Alert{}}
	if firm.ADVFilingDate == "" {
		s.Alerts = append(s.Alerts, newAlert("NoADVFiling", SeverityHigh, "No ADV filing date found", nil))
		s.Explanation = "No ADV filing information available"
		return s
	}
	if d, err := parseDate(firm.ADVFilingDate); err != nil {
		s.Alerts = append(s.Alerts, newAlert("InvalidADVDate", SeverityMedium, "Invalid ADV filing date format",
			map[string]any{"date": firm.ADVFilingDate}))
	} else if now.Sub(d) > 365*24*time.Hour {
		s.Alerts = append(s.Alerts, newAlert("OutdatedFinancialFiling", SeverityMedium, "ADV filing is more than 1 year old",
			map[string]any{"filing_date": firm.ADVFilingDate}))
	}
	if !firm.HasADVDocument {
		s.Alerts = append(s.Alerts, newAlert("MissingADVDocument", SeverityMedium, "ADV PDF document is not available", nil))
	}
	for _, d := range firm.Disclosures {
		switch strings.ToUpper(d.Type) {
		case "FINANCIAL", "BANKRUPTCY", "FINANCIAL_DISTRESS":
			s.Alerts = append(s.Alerts, newAlert("FinancialDisclosure", SeverityHigh,
				"Financial disclosure or distress indicator found",
				map[string]any{"date": d.Date, "description": d.Description}))
		}
	}

	switch {
	case len(s.Alerts) == 0:
		s.Compliance = true
		s.Explanation = "No financial issues detected"
	case hasSeverity(s.Alerts, SeverityHigh):
		s.Explanation = "Significant financial concerns detected"
	default:
		s.Explanation = "Minor financial documentation issues found"
	}
	return s
}

func (e *LocalEvaluator) legal(firm FirmData) Section {
	s := Section{Source: firm.Source, Alerts: []Alert{}}
	country := strings.ToUpper(firm.HeadquartersCountry)
	if firm.IsSECRegistered && country != "" && country != "UNITED STATES" {
		s.Alerts = append(s.Alerts, newAlert("JurisdictionMismatch", SeverityMedium,
			"SEC registered firm located outside United States",
			map[string]any{"country": country, "registration_type": "SEC"}))
	}
	pending := 0
	for _, d := range firm.Disclosures {
		switch strings.ToUpper(d.Type) {
		case "CIVIL", "CRIMINAL", "REGULATORY", "JUDGMENT", "LIEN":
			if !strings.EqualFold(d.Status, "RESOLVED") {
				pending++
				s.Alerts = append(s.Alerts, newAlert("PendingLegalAction", SeverityHigh,
					"Pending legal action: "+d.Description,
					map[string]any{"type": strings.ToUpper(d.Type), "date": d.Date}))
			}
		}
	}

	switch {
	case len(s.Alerts) == 0:
		s.Compliance = true
		s.Explanation = "No legal issues detected"
	case pending > 0:
		s.Explanation = fmt.Sprintf("%d pending legal action(s)", pending)
	default:
		s.Compliance = true
		s.Explanation = "Minor legal observations noted"
	}
	return s
}

func hasSeverity(alerts []Alert, sev Severity) bool {
	for _, a := range alerts {
		if a.Severity == sev {
			return true
		}
	}
	return false
}

func finalize(sections ...Section) FinalEvaluation {
	f := FinalEvaluation{OverallCompliance: true, Alerts: []Alert{}}
	var failing []string
	for _, s := range sections {
		f.Alerts = append(f.Alerts, s.Alerts...)
		if !s.Compliance {
			f.OverallCompliance = false
			failing = append(failing, s.Explanation)
		}
	}

	switch {
	case hasSeverity(f.Alerts, SeverityHigh):
		f.OverallRiskLevel = "High"
	case hasSeverity(f.Alerts, SeverityMedium):
		f.OverallRiskLevel = "Medium"
	default:
		f.OverallRiskLevel = "Low"
	}

	if f.OverallCompliance {
		f.Description = "All compliance checks passed"
		f.Recommendations = "No immediate action required"
		if len(f.Alerts) > 0 {
			f.Recommendations = "Monitor noted alerts"
		}
		return f
	}
	f.Description = strings.Join(failing, "; ")
	f.Recommendations = "Review alerts and take corrective action"
	return f
}
