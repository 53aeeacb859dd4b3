package lockfile

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestHoldIsExclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	g, err := Hold(dir)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	// The lock is per open file description, so a second Hold conflicts even
	// within one process.
	if _, err := Hold(dir); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Hold: err=%v, want ErrHeld", err)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	g2, err := Hold(dir)
	if err != nil {
		t.Fatalf("Hold after release: %v", err)
	}
	_ = g2.Release()
}

func TestHoldRecordsHolder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	g, err := Hold(dir)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	defer g.Release()

	b, err := os.ReadFile(g.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), "pid=") {
		t.Fatalf("lock file content %q, want holder pid", string(b))
	}
}

func TestHoldRejectsEmptyDir(t *testing.T) {
	t.Parallel()
	if _, err := Hold("  "); err == nil {
		t.Fatal("Hold with empty dir must fail")
	}
}
