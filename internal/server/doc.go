// Package server hosts the Fiber diagnostics service that the host binary runs
// next to the image cache: request ID middleware, panic recovery and JSON
// error rendering. Cache-specific endpoints live in server/routes so the core
// cache packages never depend on an HTTP framework. Keep exports narrow and
// accept explicit dependencies.
package server
