/*
Package tracing provides lightweight request tracing.

# Overview

Every request entering the proxy gets a trace id, either taken from an
incoming X-Trace-ID header or freshly generated. Operations inside the
request (gateway forwards, redirect hops) open child spans. Finished spans
are handed to a buffered collector which logs them through zap.

# Usage

	tracer := tracing.New("webproxy", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "gateway.forward")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

# Propagation

	X-Trace-ID: identifier for the whole request flow
	X-Span-ID:  identifier for the current operation

Inject copies both into outgoing gateway requests.
*/
package tracing
