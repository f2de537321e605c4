package xerrors

import (
	"errors"
	"testing"
)

func TestHardwareVerificationErrorUnwrapsToSentinel(t *testing.T) {
	err := &HardwareVerificationError{Detail: "chain hash mismatch"}
	if !errors.Is(err, ErrHardwareVerification) {
		t.Fatal("expected HardwareVerificationError to unwrap to ErrHardwareVerification")
	}
}

func TestAccessDeniedErrorUnwrapsToSentinel(t *testing.T) {
	err := &AccessDeniedError{Reason: "policy expired"}
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatal("expected AccessDeniedError to unwrap to ErrAccessDenied")
	}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestTypedErrorsAreDistinguishableByAs(t *testing.T) {
	var err error = &ResourceExceedsCapacityError{Resource: "gpu_memory_mib", Requested: 100, Available: 40}

	var capErr *ResourceExceedsCapacityError
	if !errors.As(err, &capErr) {
		t.Fatal("expected errors.As to match ResourceExceedsCapacityError")
	}
	if capErr.Requested != 100 || capErr.Available != 40 {
		t.Fatalf("unexpected field values: %+v", capErr)
	}

	var volErr *InvalidVolumeStateError
	if errors.As(err, &volErr) {
		t.Fatal("did not expect a ResourceExceedsCapacityError to match InvalidVolumeStateError")
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidIdentifier, ErrInvalidVolumeID, ErrInvalidMountPath,
		ErrSignatureVerification, ErrExpired, ErrHardwareVerification,
		ErrCapacity, ErrVolumeNotFound, ErrVolumeAlreadyExists,
		ErrClaimNotFound, ErrClaimAlreadyBound, ErrNoMatchingVolume,
		ErrRuleNotFound, ErrSilenceNotFound, ErrMetricsUnavailable, ErrAccessDenied,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Fatalf("sentinel %d (%v) unexpectedly matches sentinel %d (%v)", i, a, j, b)
			}
		}
	}
}
