// Package server exposes the control API over HTTP.
//
// Requests pass through request id, logging, metrics, security header,
// authentication and rate limiting middleware before reaching the api
// handlers, so handlers can assume a trusted, throttled caller.
package server
