package core

import (
	"fmt"
	"testing"
)

func TestResult_OkCarriesData(t *testing.T) {
	r := Ok(ValidationData{ProductCode: "P1"})
	if !r.OK || r.Code != CodeOK {
		t.Fatalf("expected OK result, got %+v", r)
	}
	if r.Data.ProductCode != "P1" {
		t.Errorf("expected data to round-trip, got %+v", r.Data)
	}
}

func TestResult_FailCarriesCodeAndMessage(t *testing.T) {
	r := Fail[ValidationData](CodeInsufficientStock, "need %d, have %d", 10, 3)
	if r.OK {
		t.Fatalf("expected a failed result")
	}
	if r.Code != CodeInsufficientStock {
		t.Errorf("expected code %s, got %s", CodeInsufficientStock, r.Code)
	}
	if r.Msg != "need 10, have 3" {
		t.Errorf("expected formatted message, got %q", r.Msg)
	}
}

func TestCodeOf_UnwrapsWrappedCodedError(t *testing.T) {
	base := NewCodedError(CodeNoStock, "no stock for %s", "P1")
	wrapped := fmt.Errorf("validating sale: %w", base)

	if got := CodeOf(wrapped); got != CodeNoStock {
		t.Errorf("expected CodeOf to unwrap to %s, got %s", CodeNoStock, got)
	}
}

func TestCodeOf_DefaultsToValidationForPlainErrors(t *testing.T) {
	if got := CodeOf(fmt.Errorf("some unrelated failure")); got != CodeValidation {
		t.Errorf("expected CodeValidation default, got %s", got)
	}
}
