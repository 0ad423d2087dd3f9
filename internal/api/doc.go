// Package api exposes the check service over HTTP: owner endpoints for
// submitting, polling and stopping sessions, worker pool endpoints for
// claiming tasks and reporting results, and the realtime websocket.
// Handlers depend on small interfaces so they can be tested without stores.
package api
