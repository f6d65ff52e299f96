package pipeline

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// stagedRollout reports whether a user rides the staged path. The verdict
// is a pure function of the user id and the percentage, so one user always
// lands on the same path while the flag holds still.
func stagedRollout(userID uuid.UUID, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(userID.String()))
	return h.Sum32()%100 < uint32(percent)
}
