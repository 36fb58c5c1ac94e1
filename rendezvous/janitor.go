package rendezvous

import (
	"log"

	"github.com/robfig/cron/v3"
)

// janitorSchedule runs the stale-session sweep every minute. This is a
// housekeeping cadence, not an RT one, so a cron-style schedule (rather
// than the teacher's raw time.Ticker loops) is a natural fit; grounded on
// internal/agent/scheduler.go's one-cron-per-concern wiring.
const janitorSchedule = "@every 1m"

// Janitor periodically sweeps groups for sessions whose underlying TCP
// connection has died without a clean group/leave, evicting them from the
// roster so a crashed peer doesn't linger in other clients' views.
type Janitor struct {
	cron *cron.Cron
	srv  *Server
}

// NewJanitor wires a cron-scheduled sweep against srv. Call Start to begin.
func NewJanitor(srv *Server) *Janitor {
	c := cron.New()
	j := &Janitor{cron: c, srv: srv}
	if _, err := c.AddFunc(janitorSchedule, j.sweep); err != nil {
		log.Printf("[rendezvous] janitor: failed to schedule sweep: %v", err)
	}
	return j
}

// Start begins the cron scheduler in its own goroutine.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

// sweep evicts any session whose TCP connection is no longer alive from
// every group it appears in.
func (j *Janitor) sweep() {
	dead := j.srv.deadSessions()
	for _, sess := range dead {
		sess.close()
	}
	if len(dead) > 0 {
		log.Printf("[rendezvous] janitor: evicted %d stale session(s)", len(dead))
	}
}
