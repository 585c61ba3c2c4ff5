package concurrent

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldcore/pkg/sequence"
)

// Each runs action for every element with at most limit calls in flight
// (limit <= 0 means unbounded). The first error cancels ctx for the calls
// still running and is returned.
func Each[T any](ctx context.Context, i *sequence.Iterator[T], limit int, action func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for value := range i.Seq() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return action(gctx, value)
		})
	}
	return g.Wait()
}

// All runs action for every element concurrently, waits for all of them and
// joins every error.
func All[T any](i *sequence.Iterator[T], action func(T) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for value := range i.Seq() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := action(value); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
