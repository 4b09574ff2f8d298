package gate

import (
	"time"

	"filetoll/internal/store"
)

// Decision is the outcome of evaluating access policy for a record.
type Decision int

const (
	Allowed Decision = iota
	DeniedNotFound
	DeniedExpired
	DeniedLimitReached
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedNotFound:
		return "not_found"
	case DeniedExpired:
		return "expired"
	case DeniedLimitReached:
		return "limit_reached"
	default:
		return "unknown"
	}
}

// Evaluate decides whether a record may be released at the given time.
// Checks run in fixed order: missing record, then expiry, then download
// ceiling. It is pure: the counter is never mutated here, only read. The
// authoritative ceiling check happens again inside the store's atomic
// increment, which closes the window between this read and the release.
func Evaluate(rec *store.FileRecord, now time.Time) Decision {
	if rec == nil {
		return DeniedNotFound
	}
	if rec.Expired(now) {
		return DeniedExpired
	}
	if rec.MaxDownloads != nil && rec.CurrentDownloads >= *rec.MaxDownloads {
		return DeniedLimitReached
	}
	return Allowed
}
