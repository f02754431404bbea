// Package scheduler interprets a declarative load profile and drives the
// virtual-user population to match it over time.
//
// Every profile (constant-vus, ramping-vus, constant-arrival-rate,
// ramping-arrival-rate) compiles to the same internal representation: a
// piecewise-linear target curve sampled by a single control loop every
// 100ms. Looping executors reconcile a pool of continuously iterating users
// against a concurrency curve; arrival executors pace iteration starts from
// a rate curve, pulling idle users from a bounded pool and recording a
// dropped_iterations sample whenever the pool is exhausted.
//
// A run ends when the final stage elapses and in-flight iterations drain
// within the graceful-stop window, or when the window expires and the
// scheduler force-cancels whatever is still running.
package scheduler
