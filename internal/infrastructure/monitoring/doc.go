/*
Package monitoring provides Prometheus metrics for the sandbox service.

# Overview

Each Metrics value owns a private prometheus.Registry, so servers built in
tests do not collide on the global registry.

# Metrics

- HTTP requests by route template and status
- Sessions: active gauge, create outcomes, teardowns
- Engine calls: count and latency per operation, breaker state
- WebSocket connections per mode and messages per direction/type
- Stream bytes per origin, dropped non-protocol lines
- Console frames relayed and decode errors by kind

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "attach")
	err := attach()
	timer.Stop(err)
*/
package monitoring
