package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Map runs mapFunc for every element of seq in parallel and yields the
// results in order of completion. At most limit mapFuncs run at once,
// limit <= 0 means no limit.
//
// Every result is yielded, cancellation of ctx is only passed to mapFunc,
// so a caller which needs to observe all outcomes keeps ranging. When the
// loop body breaks, remaining results are discarded and the pending
// mapFuncs finish in the background.
//
//	for result := range parallel.Map(ctx, 0, input, mapFunc) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], mapFunc func(context.Context, E) D) iter.Seq[D] {
	return func(yield func(D) bool) {
		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}

		mapped := make(chan D)
		done := make(chan struct{})
		defer close(done)

		go func() {
			for entry := range seq {
				g.Go(func() error {
					d := mapFunc(ctx, entry)
					select {
					case mapped <- d:
					case <-done:
					}
					return nil
				})
			}
			_ = g.Wait() // mapFunc does not return an error
			close(mapped)
		}()

		for d := range mapped {
			if !yield(d) {
				return
			}
		}
	}
}
