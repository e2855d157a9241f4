package dist

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Launch runs fn once per rank on its own goroutine and waits for all of
// them. The first failure aborts the group so blocked peers return instead
// of waiting forever; its error is the one reported.
func Launch(ctx context.Context, size int, fn func(ctx context.Context, rank int, g *Group) error) error {
	group := NewGroup(size)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		rank := rank
		eg.Go(func() error {
			if err := fn(ctx, rank, group); err != nil {
				group.Abort(err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}
