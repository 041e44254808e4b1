package processing

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/evaluation"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func claimValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report json names so errors match the request body
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ParseClaim decodes and validates a claim. Every failure is a *delivery.ValidationError.
func ParseClaim(raw []byte) (evaluation.Claim, error) {
	var c evaluation.Claim
	if len(raw) == 0 {
		return c, &delivery.ValidationError{Field: "claim", Reason: "required"}
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, &delivery.ValidationError{Field: "claim", Reason: "malformed JSON: " + err.Error()}
	}
	return c, ValidateClaim(c)
}

func ValidateClaim(c evaluation.Claim) error {
	err := claimValidator().Struct(c)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		return &delivery.ValidationError{Field: f.Field(), Reason: describe(f)}
	}
	return &delivery.ValidationError{Field: "claim", Reason: err.Error()}
}

func describe(f validator.FieldError) string {
	switch f.Tag() {
	case "required":
		return "required"
	case "numeric":
		return "must be numeric"
	case "max":
		return "must be at most " + f.Param() + " characters"
	case "http_url":
		return "must be an absolute http(s) URL"
	}
	return "failed " + f.Tag() + " check"
}

// ParseMode wraps evaluation.ParseMode with the validation error type
func ParseMode(s string) (evaluation.Mode, error) {
	m, err := evaluation.ParseMode(s)
	if err != nil {
		return "", &delivery.ValidationError{Field: "mode", Reason: "must be one of " + strings.Join(evaluation.ModeNames(), ", ")}
	}
	return m, nil
}
