// Package fiber implements a cooperative, single-logical-thread-per-cord
// scheduler: a "cord" owns one OS thread and an event loop, and multiplexes
// lightweight "fibers" onto it. A fiber is realized as one goroutine paired
// with a baton channel, so that at any instant exactly one fiber's code is
// running on a given cord — yield and resume are channel handoffs rather
// than a stack-switching coroutine.
package fiber
