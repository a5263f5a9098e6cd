package hce

import (
	"math/rand"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
)

// Scheduler drives one jittered, periodic probe per host. The event loop's only
// primitive is a one-shot ScheduleTimer, so periodicity comes from each
// firing re-arming its own next timer; catrate.Limiter is repurposed here
// as a per-host cap of at most one fire per interval. The limiter only
// counts fires: it has no view of whether the previous probe has finished,
// so a probe that runs longer than the interval can overlap the next one.
type Scheduler struct {
	loop *eventloop.Loop
	// jitterPct is the +/- percentage applied to each host's interval, so
	// many hosts on the same table don't all probe in lockstep.
	jitterPct int

	limiters map[ids.ObjID]*catrate.Limiter
	// gens invalidates a host's queued timer chain: each Arm/Stop bumps the
	// generation, and a fired timer whose captured generation is stale
	// silently dies instead of double-scheduling after a reset's re-Arm.
	gens map[ids.ObjID]int
}

// NewScheduler returns a Scheduler driving timers on loop with the given
// jitter percentage (e.g. 10 for +/-10%).
func NewScheduler(loop *eventloop.Loop, jitterPct int) *Scheduler {
	return &Scheduler{
		loop:      loop,
		jitterPct: jitterPct,
		limiters:  make(map[ids.ObjID]*catrate.Limiter),
		gens:      make(map[ids.ObjID]int),
	}
}

// Arm begins periodic probing of h at table t's interval, invoking fire on
// each tick that isn't suppressed by the per-host rate limiter. Arm is idempotent
// per host: calling it again (e.g. after a CTL_RESET replay) replaces the
// previous schedule.
func (s *Scheduler) Arm(t *config.Table, h *config.Host, fire func()) {
	s.gens[h.ID]++
	s.limiters[h.ID] = catrate.NewLimiter(map[time.Duration]int{t.Interval: 1})
	s.scheduleNext(t, h, fire, s.gens[h.ID])
}

// Stop halts h's schedule; a subsequent tick for h (already queued) becomes
// a no-op.
func (s *Scheduler) Stop(h *config.Host) {
	s.gens[h.ID]++
	delete(s.limiters, h.ID)
}

func (s *Scheduler) scheduleNext(t *config.Table, h *config.Host, fire func(), gen int) {
	delay := jitter(t.Interval, s.jitterPct)
	_, _ = s.loop.ScheduleTimer(delay, func() {
		if s.gens[h.ID] != gen {
			return
		}
		if lim, ok := s.limiters[h.ID]; ok {
			if _, ok := lim.Allow(h.ID); ok {
				fire()
			}
		} else {
			fire()
		}
		s.scheduleNext(t, h, fire, gen)
	})
}

// jitter returns interval adjusted by a uniform random offset within
// +/-pct%. A zero or negative interval is treated as one second, and the
// result is floored at 1ms.
func jitter(interval time.Duration, pct int) time.Duration {
	if interval <= 0 {
		interval = time.Second
	}
	if pct <= 0 {
		return interval
	}
	span := int64(interval) * int64(pct) / 100
	if span <= 0 {
		return interval
	}
	offset := rand.Int63n(2*span+1) - span
	d := time.Duration(int64(interval) + offset)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
