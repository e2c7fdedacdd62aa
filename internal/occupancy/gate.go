package occupancy

import "time"

// DefaultPublishInterval is the stock reporting period.
const DefaultPublishInterval = 5 * time.Second

// Gate is a fixed-interval rate limiter for telemetry. It emits on the
// first call and then whenever at least the configured interval has
// passed since the previous emission, whether or not the state changed.
// A state change between scheduled emissions is not reported early.
//
// A Gate is not safe for concurrent use; it is owned by the cycle loop.
type Gate struct {
	spaceID       string
	interval      time.Duration
	lastPublishAt time.Time
	published     bool
}

// NewGate returns a gate that stamps records with spaceID.
func NewGate(spaceID string, interval time.Duration) *Gate {
	return &Gate{spaceID: spaceID, interval: interval}
}

// MaybeEmit returns a record and true if one is due at now. The last
// publish time advances only when a record is returned.
func (g *Gate) MaybeEmit(now time.Time, state State, s Sample) (Record, bool) {
	if g.published && now.Sub(g.lastPublishAt) < g.interval {
		return Record{}, false
	}

	g.lastPublishAt = now
	g.published = true

	return Record{
		SpaceID:       g.spaceID,
		Status:        state,
		DistanceCM:    s.DistanceCM,
		NoiseLevelRaw: s.NoiseLevel,
	}, true
}

// LastPublishAt returns the time of the last emission and whether there
// has been one.
func (g *Gate) LastPublishAt() (time.Time, bool) {
	return g.lastPublishAt, g.published
}
