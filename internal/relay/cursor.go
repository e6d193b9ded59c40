package relay

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// CursorNow returns a cursor positioned at the current instant. Relay message
// ids are ULIDs, so a fresh ULID sorts after everything already stored and
// lets a newly started poller skip history.
func CursorNow() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
