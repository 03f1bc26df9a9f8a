// Package ice implements the cooperative-abort sentinel: a single file
// checked once at bootstrap, letting an operator cancel a queued run
// before it starts without sending a signal to a specific process.
package ice

import (
	"fmt"
	"os"
)

// SentinelName is the fixed filename checked in the run's working
// directory, per spec.md §7.
const SentinelName = "mechanic.ice"

// ErrRequested is returned by Check when the sentinel file is present.
var ErrRequested = fmt.Errorf("ice: abort sentinel present")

// Check looks for SentinelName in dir. It is checked exactly once, at
// bootstrap, before the pool loop starts — not polled during the run,
// since an in-flight run coordinates its own shutdown through the
// transport's Abort instead.
func Check(dir string) error {
	path := dir + string(os.PathSeparator) + SentinelName
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrRequested, path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("ice: stat %s: %w", path, err)
	}
	return nil
}

// Clear removes the sentinel file from dir; a missing file is not an
// error. The mechanic commands do not call it.
func Clear(dir string) error {
	path := dir + string(os.PathSeparator) + SentinelName
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ice: remove %s: %w", path, err)
	}
	return nil
}
