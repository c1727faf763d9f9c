// Package idx generates the opaque session handles handed out by the
// session engine. Handles are ULIDs: unique, lexicographically sortable by
// creation time, and safe to expose to clients since they carry no secret.
package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Handle is an opaque session identifier.
type Handle string

// Zero is the zero-value Handle, used only as a placeholder.
const Zero Handle = ""

// ErrInvalid reports a malformed handle string.
var ErrInvalid = errors.New("idx: invalid session handle")

var (
	globalOnce sync.Once
	global     *generator
)

// generator safely produces ULIDs concurrently from a monotonic source.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) newAt(t time.Time) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	u := ulid.MustNew(ulid.Timestamp(t), g.entropy)
	return Handle(u.String())
}

func initGlobal() {
	global = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a new session handle based on the current UTC time.
func New() Handle {
	globalOnce.Do(initGlobal)
	return global.newAt(time.Now().UTC())
}

// NewAt generates a handle at the provided time, useful in tests.
func NewAt(t time.Time) Handle {
	globalOnce.Do(initGlobal)
	return global.newAt(t.UTC())
}

// Parse validates a handle string received from a client.
func Parse(s string) (Handle, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalid
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return Zero, ErrInvalid
	}
	return Handle(s), nil
}

// IsZero reports whether h is the zero value.
func (h Handle) IsZero() bool { return h == Zero }

// String returns the canonical string form.
func (h Handle) String() string { return string(h) }

// Time extracts the embedded UTC creation timestamp, or the zero time for
// invalid handles.
func (h Handle) Time() time.Time {
	if h.IsZero() {
		return time.Time{}
	}
	u, err := ulid.ParseStrict(h.String())
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}
