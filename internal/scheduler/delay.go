package scheduler

import (
	"time"

	"autopilot/internal/types"
)

// DefaultMinIntervalMinutes is the bucket interval when neither the bucket
// nor the owner-wide minimum is configured.
const DefaultMinIntervalMinutes = 11

// DefaultDownloadDelay applies when the owner's settings could not be read.
const DefaultDownloadDelay = 10 * time.Minute

const (
	minDownloadDelayMinutes = 1
	maxDownloadDelayMinutes = 60
)

// DelayPolicy decides how long after a generation call its download task
// runs. local is the send time in the channel's zone; settings is nil when
// the owner's settings could not be read.
type DelayPolicy interface {
	DelayFor(settings *types.AutomationSettings, local time.Time) time.Duration
}

// BucketDelay is the default DelayPolicy: one minute less than the owner's
// interval for the local hour, clamped to [1, 60] minutes.
type BucketDelay struct {
	// Fallback is used when settings are nil. Zero means DefaultDownloadDelay.
	Fallback time.Duration
}

var _ DelayPolicy = BucketDelay{}

// DelayFor returns the download delay for a generation sent at local, which
// must already be in the channel's zone.
func (p BucketDelay) DelayFor(settings *types.AutomationSettings, local time.Time) time.Duration {
	if settings == nil {
		if p.Fallback > 0 {
			return p.Fallback
		}
		return DefaultDownloadDelay
	}

	delay := bucketInterval(settings, local.Hour()) - 1
	if delay < minDownloadDelayMinutes {
		delay = minDownloadDelayMinutes
	}
	if delay > maxDownloadDelayMinutes {
		delay = maxDownloadDelayMinutes
	}
	return time.Duration(delay) * time.Minute
}

// bucketInterval picks the interval for hour: [0,13), [13,17) or [17,24).
func bucketInterval(s *types.AutomationSettings, hour int) int {
	var bucket *int
	switch {
	case hour < 13:
		bucket = s.MinInterval0013
	case hour < 17:
		bucket = s.MinInterval1317
	default:
		bucket = s.MinInterval1724
	}
	if bucket != nil {
		return *bucket
	}
	if s.MinIntervalMinutes != nil {
		return *s.MinIntervalMinutes
	}
	return DefaultMinIntervalMinutes
}
