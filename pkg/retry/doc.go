// Package retry provides exponential backoff retry logic.
//
// The stream transport wraps publishes and consumer-group creation in Do so a
// brief JetStream hiccup does not fail a whole invocation; the KV-backed stage
// store uses it for compare-and-set loops. The pipeline executor itself never
// retries: redelivery of a failed stream message is the transport's job.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Mark an error with NonRetryable, or set Config.Retryable, to stop early:
//
//	cfg := retry.DefaultConfig()
//	cfg.Retryable = errors.IsTransient
package retry
