package broker

import (
	"errors"
	"net"
	"testing"

	"imcsd/internal/rating"
	"imcsd/internal/store"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	st, err := store.Open(t.TempDir(), rating.BaseRating)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s, err := NewState(st, rating.BaseRating, rating.Update)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newTestState(t)

	if err := s.Register("alice", "hunter2"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("alice", "whatever"); !errors.Is(err, ErrUserExists) {
		t.Errorf("second Register = %v, want ErrUserExists", err)
	}

	if err := s.Authenticate("alice", "hunter2"); err != nil {
		t.Errorf("Authenticate with correct password: %v", err)
	}
	if err := s.Authenticate("alice", "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Authenticate with wrong password = %v, want ErrWrongPassword", err)
	}
	if err := s.Authenticate("nobody", "x"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Authenticate unknown user = %v, want ErrUnknownUser", err)
	}
}

func TestAllocateGameIDIsStrictlyIncreasing(t *testing.T) {
	s := newTestState(t)

	seen := map[int]bool{}
	prev := -1
	for i := 0; i < 5; i++ {
		id, err := s.AllocateGameID()
		if err != nil {
			t.Fatalf("AllocateGameID: %v", err)
		}
		if seen[id] {
			t.Fatalf("game id %d allocated twice", id)
		}
		if id <= prev {
			t.Fatalf("game id %d did not exceed previous %d", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestAcceptOfferRemovesItAtomically(t *testing.T) {
	s := newTestState(t)
	s.Register("alice", "pw")
	s.Register("bob", "pw")

	id, _ := s.AllocateGameID()
	offer := &Offer{GameID: id, OwnerName: "alice", Color: White, Mailbox: make(chan MailboxMsg, 1)}
	if err := s.PublishOffer(offer); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	handle := &endpoint{Conn: server, name: "bob"}
	if _, err := s.AcceptOffer(id, "bob", "c2", handle); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	if _, err := s.AcceptOffer(id, "carol", "c3", handle); !errors.Is(err, ErrNoSuchGame) {
		t.Errorf("second AcceptOffer = %v, want ErrNoSuchGame", err)
	}

	select {
	case msg := <-offer.Mailbox:
		if !msg.Accepted || msg.AccepterName != "bob" {
			t.Errorf("mailbox message = %+v, want accepted by bob", msg)
		}
	default:
		t.Fatal("expected a message waiting in the mailbox")
	}
}

func TestCancelOwnerOffersOnlyTouchesOwnedOffers(t *testing.T) {
	s := newTestState(t)
	s.Register("alice", "pw")
	s.Register("bob", "pw")

	aliceOffer := &Offer{GameID: mustAllocate(t, s), OwnerName: "alice", Color: White, Mailbox: make(chan MailboxMsg, 1)}
	bobOffer := &Offer{GameID: mustAllocate(t, s), OwnerName: "bob", Color: Black, Mailbox: make(chan MailboxMsg, 1)}
	s.PublishOffer(aliceOffer)
	s.PublishOffer(bobOffer)

	n := s.CancelOwnerOffers("alice")
	if n != 1 {
		t.Errorf("CancelOwnerOffers(alice) = %d, want 1", n)
	}

	select {
	case msg := <-aliceOffer.Mailbox:
		if msg.Accepted {
			t.Errorf("expected cancellation, got accepted")
		}
	default:
		t.Fatal("expected a cancellation message for alice's offer")
	}

	rows := s.ListPosts()
	if len(rows) != 1 || rows[0].Owner != "bob" {
		t.Errorf("ListPosts = %+v, want only bob's offer remaining", rows)
	}
}

func mustAllocate(t *testing.T, s *State) int {
	t.Helper()
	id, err := s.AllocateGameID()
	if err != nil {
		t.Fatalf("AllocateGameID: %v", err)
	}
	return id
}
