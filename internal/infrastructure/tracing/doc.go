/*
Package tracing records request spans as structured log lines.

Each HTTP request gets a span carrying a trace ID, taken from the
X-Trace-ID header when the caller supplies one. Both IDs are echoed in the
response headers so orchestrators can correlate their logs with ours.
Finished spans are logged asynchronously: failures at warn, slow spans at
info, everything else at debug.

# Usage

	tracer := tracing.New("sandbox", logger, tracing.Options{})
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
