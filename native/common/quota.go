package common

import "errors"

var (
	ErrQuotaRequestsExceeded = errors.New("quota: request limit exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota: counter overflow")
)

// Quota bounds how many requests a single caller may issue per epoch.
// A zero limit disables enforcement.
type Quota struct {
	MaxRequestsPerEpoch uint32
	EpochSeconds        uint32
}

// QuotaNow carries a caller's usage counters for the current epoch.
type QuotaNow struct {
	EpochID  uint64
	ReqCount uint32
}

// Enabled reports whether the quota enforces anything at all.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0
}

// EpochID maps a unix timestamp onto the quota's epoch counter.
func (q Quota) EpochID(now int64) uint64 {
	secs := q.EpochSeconds
	if secs == 0 {
		secs = 60
	}
	if now < 0 {
		now = 0
	}
	return uint64(now) / uint64(secs)
}

// CheckQuota applies addReq requests against prev for the given epoch and
// returns the updated counters. Counters reset when the epoch advances. On
// denial the previous counters are returned unchanged so callers can retry
// in a later epoch without losing accounting.
func CheckQuota(q Quota, epochID uint64, prev QuotaNow, addReq uint32) (QuotaNow, error) {
	next := prev
	if next.EpochID != epochID {
		next = QuotaNow{EpochID: epochID}
	}
	if !q.Enabled() {
		next.ReqCount = saturatingAdd(next.ReqCount, addReq)
		return next, nil
	}
	sum := uint64(next.ReqCount) + uint64(addReq)
	if sum > uint64(^uint32(0)) {
		return prev, ErrQuotaCounterOverflow
	}
	if uint32(sum) > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}
	next.ReqCount = uint32(sum)
	return next, nil
}

func saturatingAdd(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(sum)
}
