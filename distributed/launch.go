package distributed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// WorkerFunc is the control flow every member of a group runs.
type WorkerFunc func(ctx context.Context, g Group) error

// Launch runs fn once per member of a new LocalGroup of the given size and
// waits for all of them. The first error cancels the context seen by the
// others so members blocked in a collective return.
func Launch(ctx context.Context, size int, fn WorkerFunc) error {
	members, err := NewLocalGroup(size)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		eg.Go(func() error {
			if err := fn(ctx, m); err != nil {
				return fmt.Errorf("worker %d: %w", m.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
