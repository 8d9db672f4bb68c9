/*
Package resilience provides a circuit breaker for calls to the container engine.

# Overview

When the engine socket is gone or wedged, every session operation would
otherwise pay the full dial or read timeout. The breaker fails those calls
fast once a run of failures has been seen, and probes the engine again after
a cool-down.

The breaker never retries. A rejected call returns ErrCircuitOpen or
ErrTooManyRequests and the caller decides what to do with it.

# Usage

	breaker := resilience.New("engine", resilience.Settings{
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsFailure: engine.IsEngineFailure,
	})

	id, err := resilience.Do(breaker, func() (string, error) {
		return client.CreateContainer(ctx, spec)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
