package clock

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// NewEventID returns a fresh event identifier for outbox records.
func NewEventID() string {
	return uuid.NewString()
}

// NewIdempotencyKey returns a default idempotency key for callers that do
// not derive one from their domain write.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// NewHolderID returns a lease holder identity that is unique per process
// and still readable in the lease table: <prefix>-<host>-<uuid8>.
func NewHolderID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}
