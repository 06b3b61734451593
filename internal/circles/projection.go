package circles

import "circles-server/internal/model"

// ViewerSafeSignal is the only shape a signal takes when it crosses to a
// viewer. It is constructed exclusively by the two functions below; nothing
// else in the codebase builds one, which keeps the firewall a property of
// the type rather than a filter step at call sites.
type ViewerSafeSignal struct {
	Color         model.Color `json:"color"`
	TTLExpiresAt  int64       `json:"ttlExpiresAt"`
	Scope         string      `json:"scope"`
	SchemaVersion int         `json:"schemaVersion"`
}

// projectSignal maps a live stored signal to its viewer-safe form. Callers
// must have already established that the signal is visible and unexpired.
func projectSignal(sig model.StoredSignal) ViewerSafeSignal {
	return ViewerSafeSignal{
		Color:         sig.Color,
		TTLExpiresAt:  sig.TTLExpiresAt,
		Scope:         sig.Scope,
		SchemaVersion: sig.SchemaVersion,
	}
}

// projectAbsent is the "no live signal" value: returned for missing signals
// and for signals whose TTL has passed. Unknown is a value, not an error.
func projectAbsent() ViewerSafeSignal {
	return ViewerSafeSignal{
		Color:         model.ColorUnknown,
		TTLExpiresAt:  0,
		Scope:         model.Scope,
		SchemaVersion: model.SchemaVersion,
	}
}
