// Package timeouts defines shared timeout constants used across the API
// surface. Centralizing these values prevents drift between handlers and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreWrite caps a single durable write issued on behalf of a request.
const StoreWrite = 2 * time.Second
