package cloudsync

import "context"

// FindDestination follows the obsolescence successor chain from the given
// commit to find where it ended up. It returns the final commit when the
// chain is unambiguous, or empty when the commit was replaced by multiple
// revisions or the chain contains a cycle (which happens for divergence
// cases such as A obsoletes B while B obsoletes A).
//
// A fresh visited set is used per call, so unrelated invocations never
// influence each other.
func FindDestination(ctx context.Context, storage Storage, node CommitID) (CommitID, error) {
	visited := map[CommitID]bool{node: true}
	for {
		successors, err := storage.SuccessorsOf(ctx, node)
		if err != nil {
			return "", err
		}
		switch len(successors) {
		case 0:
			return node, nil
		case 1:
			next := successors[0]
			if visited[next] {
				// Cycle: the destination is ambiguous.
				return "", nil
			}
			visited[next] = true
			node = next
		default:
			return "", nil
		}
	}
}
