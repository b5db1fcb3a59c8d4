package realtime

import (
	"time"

	"courier/cmd/identity/ids"
)

// newConnID returns the registry id of a websocket connection.
func newConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID returns a ULID for server-originated envelopes. It never fails the
// caller: an id is a tracing aid, not a correctness requirement.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
