package azure

import (
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/sosodev/duration"
)

// maxDays is the largest whole number of days a time.Duration can hold.
// Service Bus reports "no limit" as P10675199DT2H48M5.4775807S.
const maxDays = math.MaxInt64 / int64(24*time.Hour)

// parseDuration converts an ISO-8601 duration from the control plane.
// Values beyond the range of time.Duration saturate to math.MaxInt64.
func parseDuration(s *string) (time.Duration, error) {
	if s == nil || *s == "" {
		return 0, nil
	}
	d, err := duration.Parse(*s)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", *s, err)
	}
	if d.Years > 0 || d.Months > 0 || d.Weeks*7+d.Days >= float64(maxDays) {
		return math.MaxInt64, nil
	}
	return d.ToTimeDuration(), nil
}

// formatDuration converts d for the control plane. Zero and saturated values
// map to nil so the entity keeps the broker default.
func formatDuration(d time.Duration) *string {
	if d <= 0 || d == math.MaxInt64 {
		return nil
	}
	return to.Ptr(duration.FromTimeDuration(d).String())
}
