package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"imcsd/internal/store"
)

var (
	ErrUnknownUser     = errors.New("broker: unknown user")
	ErrWrongPassword   = errors.New("broker: wrong password")
	ErrUserExists      = errors.New("broker: user already exists")
	ErrUserVanished    = errors.New("broker: authenticated user vanished")
	ErrNoSuchGame      = errors.New("broker: no such game")
	ErrNotAnOffer      = errors.New("broker: post is not an offer")
	ErrDuplicateAccept = errors.New("broker: offer already accepted")
	ErrDraining        = errors.New("broker: server is stopping")
)

type playerEntry struct {
	name         string
	passwordHash string
	rating       int
}

// RatingSink is consulted (best-effort, outside the guard) whenever a
// rating changes, so the optional Redis leaderboard mirror stays fresh
// without ever being on the critical path (spec.md §5 / SPEC_FULL §2
// item 9).
type RatingSink interface {
	Update(name string, rating int)
}

// ArchiveSink records a finished game for the optional transcript index
// (SPEC_FULL §4.1). Invoked outside the guard, after persistence; a
// failure here is logged, never surfaced.
type ArchiveSink interface {
	Record(row ArchiveRow) error
	Recent(name string, limit int) ([]ArchiveRow, error)
}

// ArchiveRow mirrors one finished game for the `history` command.
type ArchiveRow struct {
	GameID      int
	White       string
	Black       string
	Score       int
	WhiteRating int
	BlackRating int
}

// State is the single in-memory record — next game id, posts, player
// table — described in spec.md §3/§4.2. nextGameID, posts, players and
// draining are touched only while mu is held; the guard is non-reentrant.
// store, RatingCache and Archive are called outside the guard.
type State struct {
	mu sync.Mutex

	store      *store.Store
	baseRating int
	ratingFn   RatingFunc

	nextGameID int
	posts      map[int]post
	players    map[string]*playerEntry

	draining bool

	RatingCache RatingSink  // optional, may be nil
	Archive     ArchiveSink // optional, may be nil
}

// NewState loads the player table and next-game-id from st and returns a
// ready-to-use guarded state.
func NewState(st *store.Store, baseRating int, ratingFn RatingFunc) (*State, error) {
	players, err := st.LoadPlayers()
	if err != nil {
		return nil, fmt.Errorf("broker: loading players: %w", err)
	}
	next, err := st.LoadNextGameID()
	if err != nil {
		return nil, fmt.Errorf("broker: loading next game id: %w", err)
	}

	s := &State{
		store:      st,
		baseRating: baseRating,
		ratingFn:   ratingFn,
		nextGameID: next,
		posts:      make(map[int]post),
		players:    make(map[string]*playerEntry, len(players)),
	}
	for _, p := range players {
		s.players[p.Name] = &playerEntry{name: p.Name, passwordHash: p.PasswordHash, rating: p.Rating}
	}
	return s, nil
}

// Authenticate validates name/password for `me` (spec.md §4.4: 400 on
// unknown name, 401 on bad password).
func (s *State) Authenticate(name, password string) error {
	s.mu.Lock()
	p, ok := s.players[name]
	s.mu.Unlock()

	if !ok {
		return ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword([]byte(p.passwordHash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}

// Register creates a new player record with baseRating (spec.md §4.4:
// 402 on name collision).
func (s *State) Register(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("broker: hashing password: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.players[name]; exists {
		s.mu.Unlock()
		return ErrUserExists
	}
	s.players[name] = &playerEntry{name: name, passwordHash: string(hash), rating: s.baseRating}
	snapshot := s.snapshotPlayersLocked()
	s.mu.Unlock()

	if err := s.store.SavePlayers(snapshot); err != nil {
		return fmt.Errorf("broker: persisting new player: %w", err)
	}
	if s.RatingCache != nil {
		s.RatingCache.Update(name, s.baseRating)
	}
	return nil
}

// ChangePassword rewrites the caller's own record (spec.md §4.4 password
// command: 403 not named handled by the caller, 500 here if the record
// vanished).
func (s *State) ChangePassword(name, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("broker: hashing password: %w", err)
	}

	s.mu.Lock()
	p, ok := s.players[name]
	if !ok {
		s.mu.Unlock()
		return ErrUserVanished
	}
	p.passwordHash = string(hash)
	snapshot := s.snapshotPlayersLocked()
	s.mu.Unlock()

	return s.store.SavePlayers(snapshot)
}

func (s *State) snapshotPlayersLocked() []store.Player {
	out := make([]store.Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, store.Player{Name: p.name, PasswordHash: p.passwordHash, Rating: p.rating})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PlayerRating returns the caller's current rating, if named and present.
func (s *State) PlayerRating(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[name]
	if !ok {
		return 0, false
	}
	return p.rating, true
}

// RatingRow is one row of the `ratings` reply.
type RatingRow struct {
	Name   string
	Rating int
}

// TopRatings returns the top 10 players by descending rating, appending
// the caller's own row if named, present, and not already in the top 10
// (spec.md §4.4 ratings, invariant 7 in §8).
func (s *State) TopRatings(callerName string) []RatingRow {
	s.mu.Lock()
	all := make([]RatingRow, 0, len(s.players))
	for _, p := range s.players {
		all = append(all, RatingRow{Name: p.name, Rating: p.rating})
	}
	callerRow, callerKnown := RatingRow{}, false
	if callerName != "" {
		if p, ok := s.players[callerName]; ok {
			callerRow = RatingRow{Name: p.name, Rating: p.rating}
			callerKnown = true
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Rating != all[j].Rating {
			return all[i].Rating > all[j].Rating
		}
		return all[i].Name < all[j].Name
	})

	top := all
	if len(top) > 10 {
		top = top[:10]
	}

	if callerKnown {
		found := false
		for _, r := range top {
			if r.Name == callerRow.Name {
				found = true
				break
			}
		}
		if !found {
			top = append(top, callerRow)
		}
	}
	return top
}

// History returns the named player's most recent archived games, newest first,
// capped at 10 (SPEC_FULL §4.4 `history`).
func (s *State) History(name string) []ArchiveRow {
	if s.Archive == nil {
		return nil
	}
	rows, err := s.Archive.Recent(name, 10)
	if err != nil {
		return nil
	}
	return rows
}

// AllocateGameID assigns and persists the next game id (spec.md §4.4
// `offer`, invariant 1 in §8: nextGameId strictly exceeds every id ever
// issued).
func (s *State) AllocateGameID() (int, error) {
	s.mu.Lock()
	id := s.nextGameID
	s.nextGameID++
	err := s.store.SaveNextGameID(s.nextGameID)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("broker: persisting next game id: %w", err)
	}
	return id, nil
}

// PublishOffer adds a newly allocated Offer to the post list.
func (s *State) PublishOffer(o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	s.posts[o.GameID] = o
	return nil
}

// ListRow is a single row of the `list` reply, uniform over Offer and
// InProgress (spec.md §6 list row format).
type ListRow struct {
	GameID int

	IsOffer bool
	// Offer fields
	Owner       string
	Color       Color
	OwnerRating string

	// InProgress fields
	White       string
	Black       string
	WhiteRating string
	BlackRating string
}

// ListPosts takes a read-only snapshot of the post list, sorted by game
// id for a stable, testable order.
func (s *State) ListPosts() []ListRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]ListRow, 0, len(s.posts))
	for id, p := range s.posts {
		switch v := p.(type) {
		case *Offer:
			rows = append(rows, ListRow{
				GameID:      id,
				IsOffer:     true,
				Owner:       v.OwnerName,
				Color:       v.Color,
				OwnerRating: ratingField(v.OwnerRating, v.OwnerHasRating),
			})
		case *InProgress:
			rows = append(rows, ListRow{
				GameID:      id,
				IsOffer:     false,
				White:       v.White,
				Black:       v.Black,
				WhiteRating: ratingField(v.WhiteRating, v.HasWhiteRating),
				BlackRating: ratingField(v.BlackRating, v.HasBlackRating),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].GameID < rows[j].GameID })
	return rows
}

func ratingField(rating int, known bool) string {
	if !known {
		return "?"
	}
	return fmt.Sprintf("%d", rating)
}

// AcceptOffer atomically locates and removes the Offer with the given id
// and, still under the guard, delivers the acceptance to its mailbox —
// the atomicity spec.md §5 requires: "once another session sees the Offer
// absent, the mailbox has already been signaled."
func (s *State) AcceptOffer(id int, accepterName, accepterClientID string, handle PlayerEndpoint) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNoSuchGame
	}
	offer, ok := p.(*Offer)
	if !ok {
		return nil, ErrNotAnOffer
	}
	delete(s.posts, id)

	select {
	case offer.Mailbox <- MailboxMsg{
		Accepted:         true,
		AccepterName:     accepterName,
		AccepterClientID: accepterClientID,
		AccepterHandle:   handle,
	}:
	default:
		// The mailbox already has a pending message: a duplicate accept
		// raced the removal above. Should not occur — removal and send
		// are atomic under this same guard — but defend rather than
		// block forever.
		return nil, ErrDuplicateAccept
	}
	return offer, nil
}

// CancelOwnerOffers removes every Offer owned by name and sends
// Cancelled to each (spec.md §4.4 `clean`). Returns the count removed.
func (s *State) CancelOwnerOffers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	for id, p := range s.posts {
		offer, ok := p.(*Offer)
		if !ok || offer.OwnerName != name {
			continue
		}
		delete(s.posts, id)
		select {
		case offer.Mailbox <- MailboxMsg{Accepted: false}:
		default:
		}
		count++
	}
	return count
}

// AddInProgress installs a newly matched game in the post list
// (spec.md §4.4 Playing step 2).
func (s *State) AddInProgress(ip *InProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[ip.GameID] = ip
}

// RemoveInProgress drops the InProgress post once the driver returns
// (spec.md §4.4 Playing step 8). The completion signal is fired by the
// caller after this returns.
func (s *State) RemoveInProgress(gameID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.posts, gameID)
}

// UpdateRatings persists both players' new ratings after a game ends
// (spec.md §4.4 Playing step 6).
func (s *State) UpdateRatings(white, black string, whiteNew, blackNew int) error {
	s.mu.Lock()
	if p, ok := s.players[white]; ok {
		p.rating = whiteNew
	}
	if p, ok := s.players[black]; ok {
		p.rating = blackNew
	}
	snapshot := s.snapshotPlayersLocked()
	s.mu.Unlock()

	if err := s.store.SavePlayers(snapshot); err != nil {
		return err
	}
	if s.RatingCache != nil {
		s.RatingCache.Update(white, whiteNew)
		s.RatingCache.Update(black, blackNew)
	}
	return nil
}

// RatingFn exposes the external rating function for session/game code
// that needs to compute the next rating.
func (s *State) RatingFn() RatingFunc { return s.ratingFn }

// BeginDrain marks the state as stopping, removes every remaining Offer
// (sending Cancelled to each), and returns the InProgress posts still in
// flight so the caller can await their completion signals
// (spec.md §4.4 `stop`, §5 ordering guarantee).
func (s *State) BeginDrain() []*InProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.draining = true

	var inProgress []*InProgress
	for id, p := range s.posts {
		switch v := p.(type) {
		case *Offer:
			delete(s.posts, id)
			select {
			case v.Mailbox <- MailboxMsg{Accepted: false}:
			default:
			}
		case *InProgress:
			inProgress = append(inProgress, v)
		}
	}
	return inProgress
}

// Draining reports whether BeginDrain has already run.
func (s *State) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}
