// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// # Overview
//
// A Pool runs a fixed number of workers, each draining its own bounded queue:
//   - Generic type support for type-safe work processing
//   - Keyed routing (WithKeyFunc): items sharing a key are processed by one worker,
//     in submission order
//   - Non-blocking Submit (ErrQueueFull) and blocking SubmitWait for backpressure
//   - Panic recovery: a panicking processor fails the item with ErrProcessorPanic
//     and the worker keeps running
//   - Always-on statistics plus optional Prometheus metrics
//
// The bus layer uses one pool per session to deliver samples: the key is the
// subscription, so every subscriber sees its samples in arrival order while
// different subscriptions proceed in parallel.
//
// # Usage
//
//	pool := worker.NewPool(4, 1024,
//	    func(ctx context.Context, d delivery) error {
//	        d.handler(ctx, d.sample)
//	        return nil
//	    },
//	    worker.WithKeyFunc(func(d delivery) string { return d.subscription }),
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.SubmitWait(ctx, d); err != nil {
//	    // ctx done or pool stopped
//	}
//
// # Lifecycle
//
// Start launches the workers. Stop closes every queue, lets queued items drain and
// waits up to the given timeout (ErrStopTimeout). Cancelling the Start context
// makes workers exit without draining.
//
// # Metrics
//
// WithMetricsRegistry registers <prefix>_queue_depth, _utilization,
// _submitted_total, _processed_total, _failed_total, _dropped_total and
// _processing_duration_seconds. If any registration fails (for example a
// duplicate prefix) the pool runs without Prometheus metrics; Stats still works.
package worker
