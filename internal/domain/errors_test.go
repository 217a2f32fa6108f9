package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrOrderVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrOrderVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrOrderVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInsufficientStockError(t *testing.T) {
	err := fmt.Errorf("settle: %w", &InsufficientStockError{ProductID: "p-1", Available: 1, Requested: 3})

	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatal("expected errors.Is to match ErrInsufficientStock")
	}
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatal("expected errors.As to extract InsufficientStockError")
	}
	if stockErr.ProductID != "p-1" || stockErr.Available != 1 || stockErr.Requested != 3 {
		t.Fatalf("unexpected details: %+v", stockErr)
	}
	if !IsConflict(err) {
		t.Fatal("insufficient stock is a conflict")
	}
}

func TestAlreadySettledError(t *testing.T) {
	err := &AlreadySettledError{Payment: Payment{ID: "pay-1", OrderID: "ORD-1"}}
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatal("expected errors.Is to match ErrAlreadySettled")
	}
	if errors.Is(err, ErrInsufficientStock) {
		t.Fatal("must not match unrelated sentinel")
	}
}
