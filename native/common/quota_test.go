package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaDisabled(t *testing.T) {
	q := Quota{}
	state := QuotaNow{EpochID: 3}

	for i := 0; i < 100; i++ {
		var err error
		state, err = CheckQuota(q, 3, state, 1)
		if err != nil {
			t.Fatalf("unexpected error with quota disabled: %v", err)
		}
	}
	if state.ReqCount != 100 {
		t.Fatalf("unexpected request count: %d", state.ReqCount)
	}
}

func TestQuotaEpochID(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 300}
	if got := q.EpochID(0); got != 0 {
		t.Fatalf("epoch at t=0: %d", got)
	}
	if got := q.EpochID(299); got != 0 {
		t.Fatalf("epoch at t=299: %d", got)
	}
	if got := q.EpochID(300); got != 1 {
		t.Fatalf("epoch at t=300: %d", got)
	}
	if q.EpochID(-5) != 0 {
		t.Fatalf("negative timestamps should clamp to epoch zero")
	}
}
