/*
Package server manages the lifecycle of the daemon's HTTP listener.

Manager wraps net/http.Server with a non-blocking Start, a bounded
graceful Shutdown and an asynchronous error channel. Run ties the three
together so the listener can live in an errgroup next to the engine:
it returns when its context is cancelled or the server fails.
*/
package server
