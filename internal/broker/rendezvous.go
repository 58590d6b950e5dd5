package broker

// MailboxMsg is delivered exactly once to an Offer's mailbox (spec.md
// §4.3): either an acceptance carrying the accepter's identity and
// connection handle, or a cancellation.
type MailboxMsg struct {
	Accepted bool

	AccepterName     string
	AccepterClientID string
	AccepterHandle   PlayerEndpoint
}

// Offer is a published, waiting-for-opponent advertisement. The mailbox
// channel is buffered with capacity 1 so the single producer (accepter,
// clean, or stop — whichever wins the race to remove the Offer from
// state first) never blocks delivering it.
type Offer struct {
	GameID         int
	OwnerName      string
	OwnerClientID  string
	Color          Color
	OwnerRating    int
	OwnerHasRating bool

	Mailbox chan MailboxMsg
}

func (o *Offer) gameID() int { return o.GameID }

// InProgress is an active, matched game. Done fires exactly once, after
// the driver returns and, when it returned a score, after ratings are
// persisted; on a driver I/O error it fires without a rating update
// (spec.md §4.4 step 8).
type InProgress struct {
	GameID int
	White  string
	Black  string

	WhiteRating    int
	BlackRating    int
	HasWhiteRating bool
	HasBlackRating bool

	Done chan struct{}
}

func (p *InProgress) gameID() int { return p.GameID }

// post is implemented by Offer and InProgress so the post list can hold
// either kind keyed uniformly by game id.
type post interface {
	gameID() int
}
