package simerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsCode_WrappedError(t *testing.T) {
	base := Numeric("ionize", 9.5, "collapsed fraction %g out of range", -0.2).WithRegion(SlabRegion(16, 32))
	wrapped := fmt.Errorf("step failed: %w", base)

	if !IsNumerical(wrapped) {
		t.Fatalf("expected E_NUMERIC through wrap, got %v", wrapped)
	}
	if IsConfiguration(wrapped) {
		t.Fatalf("numeric error misclassified as configuration")
	}

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatalf("errors.As failed")
	}
	if e.Stage != "ionize" || e.Redshift != 9.5 {
		t.Fatalf("lost context: stage=%q z=%v", e.Stage, e.Redshift)
	}
	if e.Region != "slab z=[16,32)" {
		t.Fatalf("bad region: %q", e.Region)
	}
}

func TestConfig_NoRedshiftInMessage(t *testing.T) {
	err := Config("DIM must be positive, got %d", 0)
	if !IsConfiguration(err) {
		t.Fatalf("expected configuration error")
	}
	if got := err.Error(); got != "E_CONFIG: DIM must be positive, got 0" {
		t.Fatalf("unexpected message: %q", got)
	}
}
