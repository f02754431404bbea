// Package metrics provides typed, thread-safe metric series for load test runs.
//
// A [Registry] holds named series of four kinds:
//   - [Counter]: monotonically accumulated sum of deltas
//   - [Rate]: fraction of true observations (e.g. check passes, failed requests)
//   - [Trend]: latency-style distribution backed by an HDR histogram,
//     answering avg, min, max, median and arbitrary percentiles
//   - [Gauge]: last observed value (e.g. live virtual-user count)
//
// # Usage
//
//	reg := metrics.NewRegistry()
//	dur, _ := reg.Trend("http_req_duration")
//	failed, _ := reg.Rate("http_req_failed")
//
//	dur.Observe(latency)
//	failed.Observe(err != nil)
//
//	snap := reg.Snapshot()
//	p95 := snap.Series["http_req_duration"].Percentile(95)
//
// # Concurrency
//
// Counters, rates and gauges are lock-free atomics. Trends take a short
// per-series lock around a single histogram insert. The registry lock is only
// held while creating or looking up a series, never while recording, so there
// is no run-wide lock on the ingestion path.
//
// Series are append-only for the lifetime of a run. [Registry.Snapshot]
// produces a consistent point-in-time copy (histograms are exported and
// re-imported) that threshold evaluation can query without stalling
// producers.
package metrics
