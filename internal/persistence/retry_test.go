package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusy(t *testing.T) {
	for _, tt := range []struct {
		err  error
		busy bool
	}{
		{nil, false},
		{ErrNotFound, false},
		{fmt.Errorf("write sanction 100/42: %w", ErrInvalidWeight), false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("begin sanction tx: %w", errors.New("SQLITE_LOCKED (6)")), true},
	} {
		if got := isSQLiteBusy(tt.err); got != tt.busy {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.busy)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	locked := errors.New("database is locked")
	for _, tt := range []struct {
		name      string
		retries   int
		failFirst int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, nil, 1, false},
		{"busy then ok", 3, 2, locked, 3, false},
		{"other error is final", 3, 5, ErrNotFound, 1, true},
		// retries=2 allows three attempts in total.
		{"exhausted", 2, 10, locked, 3, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tt.retries, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, busyRetries, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
