// Package lockfile guards a convoguard state directory. Exactly one process
// may hold the guard; a second instance running the sweeper and repair
// transitions against the same database would race the per-conversation locks,
// which only serialize within a process.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const guardName = "convoguard.lock"

// ErrHeld indicates another convoguard process already guards the directory.
var ErrHeld = errors.New("state directory already locked by another instance")

// Guard is a held instance lock. Release it on shutdown; the operating system
// also releases it if the process dies.
type Guard struct {
	path string
	f    *os.File
}

// Hold takes the instance lock for stateDir, creating the lock file if needed.
// Returns ErrHeld when another process has the directory.
func Hold(stateDir string) (*Guard, error) {
	dir := strings.TrimSpace(stateDir)
	if dir == "" {
		return nil, errors.New("missing state dir")
	}
	path := filepath.Join(dir, guardName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := acquireExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Record the holder for operators poking at the state dir. Best-effort.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_ = f.Sync()

	return &Guard{path: path, f: f}, nil
}

func (g *Guard) Path() string {
	if g == nil {
		return ""
	}
	return g.path
}

func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := releaseExclusive(g.f)
	closeErr := g.f.Close()
	g.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
