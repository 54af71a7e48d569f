// Package workdir manages the on-disk run directory pgclone uses to hold
// its catalogs, CDC segment files, and an advisory lock against concurrent
// invocations against the same directory.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Dir is an initialized pgclone working directory.
type Dir struct {
	Root      string
	SchemaDir string
	CDCDir    string
	RunDir    string

	lockPath string
	lockFile *os.File
}

// Open creates the standard subdirectories under root if missing and takes
// the advisory pidfile lock, detecting and clearing a stale lock left by a
// process that is no longer alive.
func Open(root string) (*Dir, error) {
	d := &Dir{
		Root:      root,
		SchemaDir: filepath.Join(root, "schema"),
		CDCDir:    filepath.Join(root, "cdc"),
		RunDir:    filepath.Join(root, "run"),
		lockPath:  filepath.Join(root, "pgclone.pid"),
	}
	for _, sub := range []string{d.SchemaDir, d.CDCDir, d.RunDir} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	if err := d.acquireLock(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) acquireLock() error {
	if pid, ok := readPid(d.lockPath); ok && pid != os.Getpid() {
		if processAlive(pid) {
			return fmt.Errorf("working directory %s is locked by running process %d", d.Root, pid)
		}
		// Stale lock: previous owner is gone, reclaim the file.
		_ = os.Remove(d.lockPath)
	}
	f, err := os.OpenFile(d.lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return fmt.Errorf("write lock file: %w", err)
	}
	d.lockFile = f
	return nil
}

// Close releases the lock file. It does not remove the working directory
// contents — the catalogs and CDC segments are meant to survive a clean
// exit so a later resume can find them.
func (d *Dir) Close() error {
	if d.lockFile == nil {
		return nil
	}
	path := d.lockFile.Name()
	if err := d.lockFile.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func readPid(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs no-op existence/permission checks only.
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
