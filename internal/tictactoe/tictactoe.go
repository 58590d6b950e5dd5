// Package tictactoe is the reference implementation of the external game
// driver named in spec.md §1: "play(white, black) -> score". It is one
// concrete driver behind broker.GameDriver; the broker itself only
// depends on the interface.
package tictactoe

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imcsd/internal/broker"
)

// Driver plays a complete game of tic-tac-toe between two matched
// connections, enforcing a per-player clock budget.
type Driver struct{}

func New() *Driver { return &Driver{} }

const (
	markWhite = 'X'
	markBlack = 'O'
	markEmpty = ' '
)

type seat struct {
	endpoint broker.PlayerEndpoint
	reader   *bufio.Reader
	mark     byte
	budget   time.Duration
}

// Play implements broker.GameDriver. Returns +1 if white wins, -1 if
// black wins, 0 on a draw. A malformed move, an illegal move, or a
// clock expiry forfeits the offending side. An I/O error on either
// connection is returned as err so the broker can run its §4.4 fatal
// I/O path (send 420, close both, still drop the InProgress post).
func (d *Driver) Play(ctx context.Context, white, black broker.PlayerEndpoint, timeBudget time.Duration) (int, error) {
	board := [9]byte{markEmpty, markEmpty, markEmpty, markEmpty, markEmpty, markEmpty, markEmpty, markEmpty, markEmpty}

	seats := [2]*seat{
		{endpoint: white, reader: bufio.NewReader(white), mark: markWhite, budget: timeBudget},
		{endpoint: black, reader: bufio.NewReader(black), mark: markBlack, budget: timeBudget},
	}

	turn := 0 // white moves first
	for move := 0; move < 9; move++ {
		cur := seats[turn]
		other := seats[1-turn]

		if err := announceBoard(seats, board); err != nil {
			return 0, err
		}

		cell, took, err := requestMove(cur)
		if err != nil {
			return 0, err
		}

		cur.budget -= took
		if cur.budget <= 0 {
			// Clock expiry forfeits the mover's side.
			return forfeitScore(turn), nil
		}

		if cell < 0 || cell > 8 || board[cell] != markEmpty {
			// Illegal move forfeits the mover's side; this is a protocol
			// violation by the player, not an I/O error, so it does not
			// propagate as err.
			fmt.Fprintf(cur.endpoint, "illegal move, forfeit\n")
			fmt.Fprintf(other.endpoint, "opponent made an illegal move, you win\n")
			return forfeitScore(turn), nil
		}
		board[cell] = cur.mark

		if winner, ok := checkWinner(board); ok {
			if err := announceBoard(seats, board); err != nil {
				return 0, err
			}
			if winner == markWhite {
				return 1, nil
			}
			return -1, nil
		}

		turn = 1 - turn
	}

	if err := announceBoard(seats, board); err != nil {
		return 0, err
	}
	return 0, nil
}

// forfeitScore returns the score when the player to move (turn) forfeits:
// the opponent wins.
func forfeitScore(turn int) int {
	if turn == 0 {
		return -1 // white forfeited, black wins
	}
	return 1 // black forfeited, white wins
}

func announceBoard(seats [2]*seat, board [9]byte) error {
	rendered := renderBoard(board)
	for _, s := range seats {
		if _, err := fmt.Fprintf(s.endpoint, "board %s\n", rendered); err != nil {
			return fmt.Errorf("tictactoe: writing to %s: %w", s.endpoint.PlayerName(), err)
		}
	}
	return nil
}

func renderBoard(board [9]byte) string {
	var b strings.Builder
	for _, c := range board {
		if c == markEmpty {
			b.WriteByte('.')
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// requestMove prompts cur for a move and reads one line of response,
// returning the 0-8 cell index parsed from it and how long the round
// trip took (charged against the player's clock). A malformed line
// (non-numeric, out of 0-8 range) is reported back to requestMove's
// caller as an out-of-range cell so it forfeits like any illegal move.
func requestMove(cur *seat) (int, time.Duration, error) {
	deadline := time.Now().Add(cur.budget)
	if err := cur.endpoint.SetReadDeadline(deadline); err != nil {
		return 0, 0, fmt.Errorf("tictactoe: setting deadline for %s: %w", cur.endpoint.PlayerName(), err)
	}

	if _, err := fmt.Fprintf(cur.endpoint, "move?\n"); err != nil {
		return 0, 0, fmt.Errorf("tictactoe: writing to %s: %w", cur.endpoint.PlayerName(), err)
	}

	start := time.Now()
	line, err := cur.reader.ReadString('\n')
	took := time.Since(start)
	if err != nil {
		if isTimeout(err) {
			return -1, cur.budget + time.Millisecond, nil
		}
		return 0, took, fmt.Errorf("tictactoe: reading from %s: %w", cur.endpoint.PlayerName(), err)
	}

	cell, convErr := strconv.Atoi(strings.TrimSpace(line))
	if convErr != nil {
		return -1, took, nil
	}
	return cell, took, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// checkWinner reports a completed three-in-a-row, if any.
func checkWinner(board [9]byte) (byte, bool) {
	lines := [8][3]int{
		{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
		{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
		{0, 4, 8}, {2, 4, 6},
	}
	for _, l := range lines {
		a, b, c := board[l[0]], board[l[1]], board[l[2]]
		if a != markEmpty && a == b && b == c {
			return a, true
		}
	}
	return 0, false
}
