//go:build !windows
// +build !windows

package handler

import "golang.org/x/sys/unix"

// diskUsage returns the size and free space of the filesystem holding path
func diskUsage(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
