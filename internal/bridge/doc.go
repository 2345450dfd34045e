// Package bridge wraps the blocking vendor session behind an asynchronous
// request/response facade.
//
// The Registry correlates outbound request IDs to pending awaiters; the
// Bridge owns the session, drains its event queue on a dispatcher
// goroutine, and either resolves awaiters or fans events out to
// subscription streams (news, quotes, account updates).
package bridge
