// Package broker implements the matchmaking and session-brokering core:
// service state under a single exclusive guard, the one-shot rendezvous
// mailbox, and the per-connection command session state machine
// (spec.md §4.2–§4.4).
package broker

import (
	"context"
	"net"
	"time"
)

// Color is the side a player requests in an offer.
type Color byte

const (
	White Color = 'W'
	Black Color = 'B'
)

// ParseColor accepts exactly "W" or "B" (spec.md §4.4 offer validation).
func ParseColor(s string) (Color, bool) {
	if s == "W" {
		return White, true
	}
	if s == "B" {
		return Black, true
	}
	return 0, false
}

// PlayerEndpoint is the narrow surface the external game driver needs
// from a matched connection: read/write the wire, and know who is on the
// other end of it for transcript and error messages.
type PlayerEndpoint interface {
	net.Conn
	PlayerName() string
}

// GameDriver is the out-of-scope external collaborator named in spec.md
// §1: "consumes two authenticated player endpoints (each with a clock
// budget) and returns a signed integer score". The broker only depends on
// this signature.
type GameDriver interface {
	Play(ctx context.Context, white, black PlayerEndpoint, timeBudget time.Duration) (score int, err error)
}

// RatingFunc is the external collaborator "updateRating(self, opponent,
// score) -> newRating" (spec.md §1). Pure function, no I/O.
type RatingFunc func(self, opponent, score int) int

// GameClockBudget is the per-player clock passed to the driver for both
// white and black, fixed at 300000ms each (spec.md §4.4 step 5).
const GameClockBudget = 300 * time.Second
