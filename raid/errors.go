package raid

import (
	"errors"

	"github.com/onnwee/raid-tender/ledger"
	"github.com/onnwee/raid-tender/ratelimit"
)

// FailureKind separates "the record is genuinely gone" from "we could not
// tell". The reconciliation loop treats absence as a state transition and
// everything else as a reason to hold the last known view.
type FailureKind int

const (
	// FailureAbsent means the upstream authoritatively reported the record
	// does not exist.
	FailureAbsent FailureKind = iota
	// FailureDecode means a record was fetched but its payload could not be
	// decoded into a valid snapshot.
	FailureDecode
	// FailureThrottled means the upstream asked us to back off.
	FailureThrottled
	// FailureTransient covers network errors, server errors and local rate
	// limiting: retrying later may succeed.
	FailureTransient
)

func (k FailureKind) String() string {
	switch k {
	case FailureAbsent:
		return "absent"
	case FailureDecode:
		return "decode"
	case FailureThrottled:
		return "throttled"
	default:
		return "transient"
	}
}

// ClassifyFetchError maps an error from the ledger client (or the rate
// limiter wrapping it) onto a FailureKind.
func ClassifyFetchError(err error) FailureKind {
	if errors.Is(err, ledger.ErrNotFound) {
		return FailureAbsent
	}
	var de *ledger.DecodeError
	if errors.As(err, &de) {
		return FailureDecode
	}
	var te *ratelimit.ThrottleError
	if errors.As(err, &te) {
		return FailureThrottled
	}
	return FailureTransient
}
