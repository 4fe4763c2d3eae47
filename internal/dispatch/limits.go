package dispatch

import (
	"time"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/store"
)

// StartBlock names the limit rule that prevented a journey start.
type StartBlock string

const (
	BlockConcurrent StartBlock = "max_concurrent"
	BlockTotal      StartBlock = "max_total"
	BlockCooldown   StartBlock = "cooldown"
)

// checkLimits tests a campaign's instantiation limits against the
// per-user quota read from the store. A zero limit means unlimited.
// MaxTotal counts exited journeys too, so the cap holds across
// restarts.
func checkLimits(l campaign.Limits, q store.JourneyQuota, now time.Time) (StartBlock, bool) {
	if l.MaxConcurrent > 0 && q.Active >= int64(l.MaxConcurrent) {
		return BlockConcurrent, true
	}
	if l.MaxTotal > 0 && q.Total >= int64(l.MaxTotal) {
		return BlockTotal, true
	}
	if cd := l.Cooldown(); cd > 0 && !q.LastStarted.IsZero() {
		if now.Sub(q.LastStarted) < cd {
			return BlockCooldown, true
		}
	}
	return "", false
}
