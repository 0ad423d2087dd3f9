// Package events provides the in-process event bus between the dispatch
// engine and its realtime subscribers.
//
// Services emit events without knowing which handlers process them. The
// realtime notifier publishes through an EventEmitter, and the websocket hub
// is registered as an EventHandler that fans events out to connected owners.
package events
