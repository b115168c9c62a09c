package domain

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestErrorClassifiers(t *testing.T) {
	outOfStock := &OutOfStockError{Line: OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 1}}
	invalidSKU := &InvalidSKUError{SKU: "NOPE"}

	cases := []struct {
		name        string
		err         error
		conflict    bool
		rejected    bool
		idempotency bool
	}{
		{name: "nil"},
		{name: "version conflict", err: ErrBatchVersionConflict, conflict: true},
		{name: "wrapped version conflict", err: fmt.Errorf("commit batch-1: %w", ErrBatchVersionConflict), conflict: true},
		{name: "out of stock", err: outOfStock, rejected: true},
		{name: "wrapped out of stock", err: fmt.Errorf("allocate: %w", outOfStock), rejected: true},
		{name: "invalid sku joined", err: errors.Join(invalidSKU, errors.New("extra context")), rejected: true},
		{name: "idempotency replay", err: ErrIdempotencyKeyAlreadyExists, idempotency: true},
		{name: "idempotency hash mismatch", err: fmt.Errorf("claim: %w", ErrIdempotencyHashMismatch), idempotency: true},
		{name: "unrelated", err: ErrBatchNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsVersionConflict(tc.err); got != tc.conflict {
				t.Errorf("IsVersionConflict = %v, want %v", got, tc.conflict)
			}
			if got := IsAllocationRejected(tc.err); got != tc.rejected {
				t.Errorf("IsAllocationRejected = %v, want %v", got, tc.rejected)
			}
			if got := IsIdempotencyConflict(tc.err); got != tc.idempotency {
				t.Errorf("IsIdempotencyConflict = %v, want %v", got, tc.idempotency)
			}
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	if err := error(&OutOfStockError{Line: OrderLine{SKU: "SMALL-FORK"}}); !errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrInvalidSKU) {
		t.Errorf("out of stock error matches the wrong sentinel: %v", err)
	} else if err.Error() != "out of stock for sku SMALL-FORK" {
		t.Errorf("unexpected message %q", err.Error())
	}

	if err := error(&InvalidSKUError{SKU: "NONEXISTENTSKU"}); !errors.Is(err, ErrInvalidSKU) || errors.Is(err, ErrOutOfStock) {
		t.Errorf("invalid sku error matches the wrong sentinel: %v", err)
	} else if err.Error() != "invalid sku NONEXISTENTSKU" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Errors: (OrderLine{Qty: -1}).Validate()}

	want := []string{ErrOrderIDRequired.Error(), ErrSKURequired.Error(), ErrQtyInvalid.Error()}
	if got := err.Messages(); !slices.Equal(got, want) {
		t.Fatalf("Messages() = %v, want %v", got, want)
	}
	if got := err.Error(); got != "orderid is required; sku is required; qty must be greater than zero" {
		t.Errorf("Error() = %q", got)
	}
	for _, sentinel := range []error{ErrOrderIDRequired, ErrSKURequired, ErrQtyInvalid} {
		if !errors.Is(err, sentinel) {
			t.Errorf("validation error must unwrap to %v", sentinel)
		}
	}
	if errors.Is(err, ErrBatchReferenceRequired) {
		t.Error("validation error must not match an error it does not carry")
	}

	if errs := (OrderLine{OrderID: "o1", SKU: "LAMP", Qty: 1}).Validate(); len(errs) != 0 {
		t.Errorf("valid line reported %v", errs)
	}
}
