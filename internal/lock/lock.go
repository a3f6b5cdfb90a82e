// Package lock provides keyed mutual exclusion for documents and forks.
package lock

import "context"

// Unlock releases a held lock. It is safe to call once.
type Unlock func()

type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

func DocumentKey(documentID string) string {
	return "document:" + documentID
}

func ForkKey(forkID string) string {
	return "fork:" + forkID
}
