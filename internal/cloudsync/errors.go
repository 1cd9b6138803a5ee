package cloudsync

import (
	"errors"
	"fmt"
)

// ErrNotJoined is returned when a sync is attempted before the repository has
// been connected to a cloud workspace.
var ErrNotJoined = errors.New("repository is not connected to a cloud workspace")

// PartialSyncError reports that the reference update succeeded but some heads
// could not be pushed. The sync is otherwise complete; the affected heads
// stay local and will be retried on a later run.
type PartialSyncError struct {
	Failed int
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("%d heads could not be pushed", e.Failed)
}
