// Package retry provides exponential backoff with jitter for bus operations.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay
//   - Persistent(): 30 attempts, 200ms-10s delay
//   - Bus(): 5 quick attempts, retrying only transient errors
//
// # Classification
//
// Config.Retryable decides which errors earn another attempt. Transient uses the
// classification from the errors package, so a malformed key or a closed session
// fails on the first attempt while a lost connection is retried:
//
//	bucket, err := retry.DoWithResult(ctx, retry.Bus(), func() (jetstream.KeyValue, error) {
//	    return client.KeyValue(ctx, cfg)
//	})
//
// Wrapping an error with NonRetryable ends the loop regardless of Retryable.
//
// # Context Cancellation
//
// Do stops as soon as ctx is done, both between attempts and during the backoff
// sleep, and wraps ctx.Err() in the returned error.
package retry
