// Package rating implements the external rating-function collaborator
// named in spec.md §1: a pure function, no I/O, plus the baseRating
// constant assigned to new registrations.
package rating

import "math"

// BaseRating is assigned to every newly registered player
// (spec.md §3 Player record, §4.4 `register`).
const BaseRating = 1200

// kFactor controls how fast a single result moves a rating.
const kFactor = 32.0

// Update computes a standard Elo rating update. score is the broker's
// signed integer convention (-1, 0, +1); it is converted to the usual
// {0, 0.5, 1} outcome fraction before applying the Elo formula. The
// broker forwards whatever score the game driver returns without
// clamping (spec.md §9 open question b); values outside {-1,0,1} are
// still accepted here and simply scaled linearly.
func Update(self, opponent, score int) int {
	expected := 1.0 / (1.0 + math.Pow(10, float64(opponent-self)/400.0))
	actual := float64(score)/2.0 + 0.5
	delta := kFactor * (actual - expected)
	return self + int(math.Round(delta))
}
