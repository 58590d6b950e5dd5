package tictactoe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"imcsd/internal/broker"
)

type fakePlayer struct {
	net.Conn
	name string
}

func (f *fakePlayer) PlayerName() string { return f.name }

// scriptedClient reads "board ..."/"move?" prompts from its side of the
// pipe and answers every "move?" with the next move in moves, in order.
func scriptedClient(t *testing.T, conn net.Conn, moves []int) {
	t.Helper()
	r := bufio.NewReader(conn)
	i := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if line == "move?\n" {
			if i >= len(moves) {
				return
			}
			fmt.Fprintf(conn, "%d\n", moves[i])
			i++
		}
	}
}

func TestPlayWhiteWinsTopRow(t *testing.T) {
	whiteLocal, whiteRemote := net.Pipe()
	blackLocal, blackRemote := net.Pipe()
	defer whiteLocal.Close()
	defer blackLocal.Close()

	// White plays 0,1,2 (top row); black plays 3,4 and never gets to move
	// a third time because white completes the row on move 3.
	go scriptedClient(t, whiteRemote, []int{0, 1, 2})
	go scriptedClient(t, blackRemote, []int{3, 4, 5})

	white := &fakePlayer{Conn: whiteLocal, name: "alice"}
	black := &fakePlayer{Conn: blackLocal, name: "bob"}

	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	score, err := d.Play(ctx, broker.PlayerEndpoint(white), broker.PlayerEndpoint(black), 2*time.Second)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if score != 1 {
		t.Errorf("score = %d, want 1 (white wins)", score)
	}
}

func TestPlayIllegalMoveForfeits(t *testing.T) {
	whiteLocal, whiteRemote := net.Pipe()
	blackLocal, blackRemote := net.Pipe()
	defer whiteLocal.Close()
	defer blackLocal.Close()

	// White immediately replays cell 0 twice: the second is illegal.
	go scriptedClient(t, whiteRemote, []int{0, 0})
	go scriptedClient(t, blackRemote, []int{1, 2, 3, 4, 5})

	white := &fakePlayer{Conn: whiteLocal, name: "alice"}
	black := &fakePlayer{Conn: blackLocal, name: "bob"}

	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	score, err := d.Play(ctx, broker.PlayerEndpoint(white), broker.PlayerEndpoint(black), 2*time.Second)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if score != -1 {
		t.Errorf("score = %d, want -1 (white forfeits, black wins)", score)
	}
}
