package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestNegotiateABIAcceptsCompatibleMinor(t *testing.T) {
	if err := NegotiateABI(ABIVersion{Major: 1, Minor: 0}); err != nil {
		t.Fatalf("expected compatible minor version to negotiate, got %v", err)
	}
}

func TestNegotiateABIRejectsMajorMismatch(t *testing.T) {
	err := NegotiateABI(ABIVersion{Major: 2, Minor: 0})
	if err == nil {
		t.Fatal("expected major version mismatch to be rejected")
	}
	if !errors.Is(err, ErrABIVersionMismatch) {
		t.Fatalf("expected wrapped ErrABIVersionMismatch, got %v", err)
	}
}

func TestNegotiateABIRejectsNewerMinor(t *testing.T) {
	err := NegotiateABI(ABIVersion{Major: 1, Minor: 99})
	if err == nil {
		t.Fatal("expected guest requiring a newer minor version to be rejected")
	}
}

func TestAbiCodeForMapsKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		want ABICode
	}{
		{nil, ABIOk},
		{ErrInsufficientBalance, ABIErrInsufficientBalance},
		{ErrDenied, ABIErrDenied},
		{ErrNotFound, ABIErrNotFound},
		{ErrInvalidJobParams, ABIErrInvalidArg},
		{ErrInvalidContent, ABIErrInvalidArg},
		{errors.New("some unmapped failure"), ABIErrInternal},
	}
	for _, c := range cases {
		if got := abiCodeFor(c.err); got != c.want {
			t.Fatalf("abiCodeFor(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestAbiCodeForUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrInsufficientBalance)
	if got := abiCodeFor(wrapped); got != ABIErrInsufficientBalance {
		t.Fatalf("expected wrapped error to map through Unwrap, got %v", got)
	}
}
