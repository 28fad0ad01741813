package swarm

import (
	"encoding/json"
	"time"
)

// mustJSON snapshots v for a task_event's before/after state. Marshaling a
// store struct never fails in practice (no channels, funcs, or cycles), so
// a marshal error collapses to nil rather than bubbling up and aborting an
// otherwise-successful mutation.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func timeNow() time.Time { return time.Now() }
