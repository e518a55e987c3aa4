// Package exchange implements the per-target request/response engine.
//
// A Manager owns the one UDP socket shared by every SP and an arena of
// SingleSp instances, one per TargetID. Each SingleSp:
//
//   - Allocates message ids from its own wrapping sequence counter
//   - Serializes its requests through a bounded set of in-flight slots
//   - Resends identical bytes on a per-attempt deadline with capped
//     exponential backoff and jitter
//   - Matches replies by message id, dropping late or duplicate ones
//   - Fans unsolicited SP events out to subscribers
//
// The receive path classifies every datagram exactly once: a response to a
// pending request, a reply to a broadcast Collector, an SP event, a stale
// response, or noise.
package exchange

import "github.com/backkem/spcomms/pkg/telemetry"

// route is how the receive path classified one datagram.
type route int

const (
	routeUnrouted route = iota
	routeResponse
	routeCollected
	routeEvent
	routeStale
	routeMalformed
)

// String returns the route name, which is also its metrics label.
func (r route) String() string {
	switch r {
	case routeResponse, routeCollected:
		return telemetry.ClassResponse
	case routeEvent:
		return telemetry.ClassEvent
	case routeStale:
		return telemetry.ClassStale
	case routeMalformed:
		return telemetry.ClassMalformed
	default:
		return telemetry.ClassUnrouted
	}
}
