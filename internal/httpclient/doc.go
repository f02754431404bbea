// Package httpclient issues the HTTP calls virtual users make against the
// target system.
//
// The client measures latency from call start to last body byte, supports a
// per-call timeout independent of the run deadline, and shares one transport
// across all virtual users so keep-alive pooling behaves like a fleet of real
// clients behind a proxy.
package httpclient
