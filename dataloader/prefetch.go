package dataloader

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PrefetchConfig holds configuration for the prefetcher
type PrefetchConfig struct {
	Depth   int // batches assembled ahead of the consumer (default: 3)
	Workers int // background workers (default: 2)
}

type prefetched struct {
	batch Batch
	err   error
}

// Prefetcher assembles the batches of one epoch in background goroutines
// and hands them out in step order.
type Prefetcher struct {
	results []chan prefetched
	tokens  chan struct{}
	next    int

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Prefetch starts assembling batches 0..steps-1 of epoch from gen. Close
// must be called once the caller is done with it.
func Prefetch(ctx context.Context, gen *Generator, epoch, steps int, cfg PrefetchConfig) *Prefetcher {
	if cfg.Depth <= 0 {
		cfg.Depth = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		results: make([]chan prefetched, steps),
		tokens:  make(chan struct{}, cfg.Depth),
		cancel:  cancel,
	}
	for i := range p.results {
		p.results[i] = make(chan prefetched, 1)
	}

	var (
		mu   sync.Mutex
		next int
	)
	claim := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= steps {
			return 0, false
		}
		next++
		return next - 1, true
	}

	eg, ctx := errgroup.WithContext(ctx)
	p.eg = eg
	for w := 0; w < cfg.Workers; w++ {
		eg.Go(func() error {
			for {
				// A step is claimed only while holding a token, so the
				// lowest unfinished step is always being worked on.
				select {
				case p.tokens <- struct{}{}:
				case <-ctx.Done():
					return nil
				}
				i, ok := claim()
				if !ok {
					<-p.tokens
					return nil
				}
				b, err := gen.Batch(epoch, i)
				p.results[i] <- prefetched{batch: b, err: err}
			}
		})
	}
	return p
}

// Next returns the next batch in step order.
func (p *Prefetcher) Next(ctx context.Context) (Batch, error) {
	if p.next >= len(p.results) {
		return Batch{}, fmt.Errorf("prefetch: all %d batches consumed", len(p.results))
	}
	select {
	case r := <-p.results[p.next]:
		p.next++
		<-p.tokens
		return r.batch, r.err
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Close stops the workers and waits for them to exit.
func (p *Prefetcher) Close() {
	p.cancel()
	p.eg.Wait()
}
