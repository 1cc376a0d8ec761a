//go:build unix

package config

import "golang.org/x/sys/unix"

// probeQuota estimates available bytes on the filesystem holding dataDir.
// Returns 0 when the estimate is unavailable; adaptation treats 0 as
// "unknown" and leaves the capacity cap alone.
func probeQuota(dataDir string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(dataDir, &st); err != nil {
		return 0
	}
	return int64(st.Bavail) * int64(st.Bsize) //nolint:gosec // available blocks fit in int64
}
