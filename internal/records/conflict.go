package records

import "strings"

// Stamp locates a write on the last-write-wins timeline.
type Stamp struct {
	Modified int64
	Key      string
}

// Compare orders two stamps: by Modified, then by Key. It returns -1, 0 or 1.
// Queue coalescing and post-sync reconciliation both use it so tie-breaks cannot diverge.
func Compare(left, right Stamp) int {
	switch {
	case left.Modified > right.Modified:
		return 1
	case left.Modified < right.Modified:
		return -1
	default:
		return strings.Compare(left.Key, right.Key)
	}
}

// Supersedes reports whether candidate wins over current.
func Supersedes(candidate, current Stamp) bool {
	return Compare(candidate, current) > 0
}

// Latest returns the winning stamp's index in the slice, or -1 when empty.
func Latest(stamps []Stamp) int {
	winner := -1
	for index, stamp := range stamps {
		if winner == -1 || Supersedes(stamp, stamps[winner]) {
			winner = index
		}
	}
	return winner
}
