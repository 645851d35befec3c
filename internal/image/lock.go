package image

import (
	"fmt"

	"github.com/gofrs/flock"
)

// withExclusiveLock runs fn while holding an exclusive advisory lock on
// a sidecar "<path>.lock" file. A sidecar, rather than locking path
// itself, means a STORE that hasn't created path yet (or a LOAD racing
// a concurrent STORE) always has something to lock: spec.md §4.F wants
// the write/read itself serialized against a concurrent external backup
// job touching the same path, not a guarantee that path pre-exists.
func withExclusiveLock(path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", path, err)
	}
	defer lock.Unlock()
	return fn()
}
