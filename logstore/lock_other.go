//go:build !unix

package logstore

import "os"

// Platforms without flock(2) get no cross-process arbitration; in-process
// serialization still applies. Shared-read locking is best-effort by design.
func flock(f *os.File, exclusive bool) error { return nil }

func funlock(f *os.File) error { return nil }

func isWouldBlock(err error) bool { return false }
