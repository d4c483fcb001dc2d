package infer

import (
	"context"
	"iter"
	"sync"

	"golang.org/x/sync/semaphore"
)

// fanOutMessage travels from a task to the consumer. done marks the task's
// last message.
type fanOutMessage[R any] struct {
	index int
	value *R
	done  bool
	err   error
}

// fanOutTask runs request i, handing each output to emit in order.
type fanOutTask[R any] func(ctx context.Context, i int, emit func(*R)) error

// fanOut runs n tasks concurrently (at most limit at once when limit > 0)
// and multiplexes their outputs into index-aligned snapshots. A snapshot is
// yielded whenever a task produces a second output before the current
// snapshot was handed out, and once more after every task is done. Only the
// order of one task's outputs is preserved.
func fanOut[R any](ctx context.Context, n, limit int, metrics []Metric, bar progress, task fanOutTask[R]) iter.Seq2[[]*R, error] {
	return func(yield func([]*R, error) bool) {
		resetMetrics(metrics)
		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer wg.Wait()
		defer cancel()

		ch := make(chan fanOutMessage[R])
		send := func(m fanOutMessage[R]) {
			select {
			case ch <- m:
			case <-ctx.Done():
			}
		}

		var sem *semaphore.Weighted
		if limit > 0 {
			sem = semaphore.NewWeighted(int64(limit))
		}
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if sem != nil {
					if err := sem.Acquire(ctx, 1); err != nil {
						send(fanOutMessage[R]{index: i, done: true, err: err})
						return
					}
					defer sem.Release(1)
				}
				err := task(ctx, i, func(v *R) {
					send(fanOutMessage[R]{index: i, value: v})
				})
				send(fanOutMessage[R]{index: i, done: true, err: err})
			}()
		}

		outputs := make([]*R, n)
		for finished := 0; finished < n; {
			var m fanOutMessage[R]
			select {
			case m = <-ch:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			if m.done {
				if m.err != nil {
					yield(nil, m.err)
					return
				}
				finished++
				bar.add(1)
				updateMetrics[R](metrics, nil)
				continue
			}
			if outputs[m.index] != nil {
				if !yield(outputs, nil) {
					return
				}
				outputs = make([]*R, n)
			}
			outputs[m.index] = m.value
			updateMetrics(metrics, m.value)
		}
		if hasResponse(outputs) {
			yield(outputs, nil)
		}
	}
}
