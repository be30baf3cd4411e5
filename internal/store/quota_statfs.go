//go:build linux || darwin

package store

import "golang.org/x/sys/unix"

func filesystemCapacity(directory string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(directory, &stat); err != nil {
		return 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}
