package domain

import (
	"net/http"
	"testing"
	"time"
)

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name   string
		status IdempotencyStatus
		want   bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, want: true},
		{name: "done", status: IdempotencyStatusDone, want: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestIdempotencyRecord_Replay(t *testing.T) {
	processing := IdempotencyRecord{Status: IdempotencyStatusProcessing}
	if processing.Completed() {
		t.Fatal("processing record must not be replayable")
	}

	done := IdempotencyRecord{Status: IdempotencyStatusDone, HTTPStatus: http.StatusCreated}
	if !done.Completed() || done.ReplayStatus() != http.StatusCreated {
		t.Fatalf("unexpected done record replay: completed=%v status=%d", done.Completed(), done.ReplayStatus())
	}

	failed := IdempotencyRecord{Status: IdempotencyStatusFailed}
	if !failed.Completed() || failed.ReplayStatus() != http.StatusOK {
		t.Fatalf("failed record without status must replay as 200, got %d", failed.ReplayStatus())
	}
}

func TestIdempotencyRecord_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := IdempotencyRecord{TTLAt: now}

	if !record.Expired(now) {
		t.Fatal("record must expire exactly at ttl")
	}
	if record.Expired(now.Add(-time.Second)) {
		t.Fatal("record must be alive before ttl")
	}
}

func TestNormalizeIdempotencyKey(t *testing.T) {
	key, err := NormalizeIdempotencyKey("  allocate-42\t")
	if err != nil || key != "allocate-42" {
		t.Fatalf("unexpected normalization: %q, %v", key, err)
	}
	if _, err := NormalizeIdempotencyKey(" \n "); err != ErrIdempotencyKeyRequired {
		t.Fatalf("blank key must be rejected, got %v", err)
	}
}
