package logging

import "time"

// Event is a structured record of one notable run-lifecycle occurrence
// (checkpoint flush, pool stage transition, restart), mirroring the
// teacher's RequestLog shape but generalized to this domain's events.
type Event struct {
	Kind      string
	PoolID    int
	Stage     int
	Detail    string
	Timestamp time.Time
}

// LogEvent emits e through Op() at info level with consistent field
// names, used by the master dispatcher and pool state machine so their
// transitions show up uniformly regardless of output format.
func LogEvent(e Event) {
	Op().Info(e.Kind,
		"pool_id", e.PoolID,
		"stage", e.Stage,
		"detail", e.Detail,
		"timestamp", e.Timestamp,
	)
}
