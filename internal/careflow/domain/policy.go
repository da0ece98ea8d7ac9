package domain

import (
	"time"

	"github.com/safar-saathi/careflow/internal/shared/errors"
)

// AccessPolicy holds the windows that grant expiries are derived from
type AccessPolicy struct {
	// ConsultationWindow is added to consultation_date for temporary stays
	ConsultationWindow time.Duration
	// OneTimeWindow bounds a one_time data request grant
	OneTimeWindow time.Duration
	// DefaultTemporaryDays applies when a temporary grant is approved without a day count
	DefaultTemporaryDays int
}

func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		ConsultationWindow:   24 * time.Hour,
		OneTimeWindow:        24 * time.Hour,
		DefaultTemporaryDays: 30,
	}
}

// GrantUntil derives access_granted_until for a data request approved at now.
// A nil result means the grant does not expire. The day count only applies to
// temporary grants: zero selects DefaultTemporaryDays and negative is rejected.
func (p AccessPolicy) GrantUntil(d AccessDuration, days int, now time.Time) (*time.Time, error) {
	var until time.Time
	switch d {
	case DurationOneTime:
		until = now.Add(p.OneTimeWindow)
	case DurationTemporary:
		if days < 0 {
			return nil, errors.Validation("access days must not be negative", map[string]string{"access_duration_days": "negative"})
		}
		if days == 0 {
			days = p.DefaultTemporaryDays
		}
		until = now.AddDate(0, 0, days)
	case DurationPermanent:
		return nil, nil
	default:
		return nil, errors.Validation("unknown access duration", map[string]string{"access_duration": string(d)})
	}
	return &until, nil
}

// ConsultationExpiry derives access_expiry for an approved consultation
func (p AccessPolicy) ConsultationExpiry(stay StayType, consultationDate time.Time) *time.Time {
	if stay == StayPermanent {
		return nil
	}
	expiry := consultationDate.Add(p.ConsultationWindow)
	return &expiry
}

// validUntil is the shared lazy-expiry predicate: a nil bound never lapses
func validUntil(until *time.Time, now time.Time) bool {
	return until == nil || now.Before(*until)
}
