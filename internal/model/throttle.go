package model

import "time"

// ThrottleKeyGlobal is the single logical throttle row shared by all workers.
const ThrottleKeyGlobal = "global"

// ThrottleState records the channel-imposed send window. Version is the
// optimistic-concurrency token; writers must compare-and-swap and a lost race
// is discarded because the window it recorded is already in effect.
type ThrottleState struct {
	Key        string    `db:"key"`
	RetryAfter time.Time `db:"retry_after"`
	Version    int64     `db:"version"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Active reports whether the window still forbids sending at the given time.
func (t *ThrottleState) Active(now time.Time) bool {
	return t != nil && t.RetryAfter.After(now)
}
