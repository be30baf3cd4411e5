//go:build !linux && !darwin

package store

import "errors"

var errCapacityUnsupported = errors.New("store: filesystem capacity unavailable on this platform")

func filesystemCapacity(string) (uint64, error) {
	return 0, errCapacityUnsupported
}
