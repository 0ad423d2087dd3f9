// Package domain contains the core business entities of the dispatch engine:
// tasks, sessions, check modes, worker result codes and the rules that
// normalize submitted items. It is independent of any storage or transport.
package domain
