package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"imcsd/internal/logsink"
	"imcsd/internal/protocol"
)

var clientSeq int64

func nextClientID() string {
	return fmt.Sprintf("c%d", atomic.AddInt64(&clientSeq, 1))
}

// Session is one connected client's command-protocol state machine
// (spec.md §4.4): Greeted -> Anonymous <-> Named -> {Offering -> Playing}.
// Exactly one goroutine runs a Session's Serve; cross-session coordination
// happens only through Server.State and Offer mailboxes, never by
// touching another Session's fields.
type Session struct {
	srv      *Server
	conn     net.Conn
	clientID string
	w        *protocol.Writer
	r        *bufio.Reader

	name string // empty until `me`/`register` succeeds
}

// NewSession wraps an accepted connection.
func NewSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:      srv,
		conn:     conn,
		clientID: nextClientID(),
		w:        protocol.NewWriter(conn),
		r:        bufio.NewReader(conn),
	}
}

// Serve runs the session to completion: banner, command loop, and
// (for the offering connection that gets matched) the full Playing
// sequence. It always closes conn before returning UNLESS the session
// was the accepter of a match — in that case ownership of conn has
// passed to the offerer, which closes it at game end (spec.md §4.4
// `accept`, §3 ownership).
func (sess *Session) Serve() {
	ownsConn := true
	defer func() {
		if ownsConn {
			sess.conn.Close()
		}
	}()

	if err := sess.w.Reply(protocol.Hello, "imcs %s", protocol.Version); err != nil {
		return
	}

	for {
		line, err := sess.r.ReadString('\n')
		if err != nil {
			sess.handleDisconnect()
			return
		}

		verb, rest := protocol.SplitCommand(line)
		if verb == "" {
			continue // empty line: no reply
		}

		outcome := sess.dispatch(verb, rest)
		switch outcome {
		case outcomeContinue:
			continue
		case outcomeQuit:
			return
		case outcomeAccepterDone:
			ownsConn = false
			return
		case outcomePlayingDone:
			return
		}
	}
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeQuit
	outcomeAccepterDone
	outcomePlayingDone
)

func (sess *Session) dispatch(verb, rest string) outcome {
	switch verb {
	case "help":
		sess.cmdHelp()
	case "quit":
		sess.w.Reply(protocol.Goodbye, "Goodbye")
		return outcomeQuit
	case "me":
		sess.cmdMe(rest)
	case "register":
		sess.cmdRegister(rest)
	case "password":
		sess.cmdPassword(rest)
	case "list":
		sess.cmdList()
	case "ratings":
		sess.cmdRatings()
	case "history":
		sess.cmdHistory(rest)
	case "offer":
		return sess.cmdOffer(rest)
	case "accept":
		return sess.cmdAccept(rest)
	case "clean":
		sess.cmdClean()
	case "stop":
		sess.cmdStop(rest)
	case "enroll-mfa":
		sess.cmdEnrollMFA()
	default:
		sess.w.Reply(protocol.UnknownCommand, "unknown command")
	}
	return outcomeContinue
}

func parseArgs(rest string, n int) ([]string, bool) {
	if rest == "" && n > 0 {
		return nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) != n {
		return nil, false
	}
	return fields, true
}

func (sess *Session) cmdHelp() {
	sess.w.Reply(protocol.HelpBlock, "help follows")
	lines := []string{
		"me <name> <password>      - log in",
		"register <name> <password> - create an account and log in",
		"password <password>        - change your password",
		"list                       - list open offers and in-progress games",
		"ratings                    - show the top 10 ratings",
		"history <name>             - show a player's recent finished games",
		"offer <W|B>                - offer a game, you play the given color",
		"accept <id>                - accept an open offer",
		"clean                      - cancel your own open offers",
		"quit                       - disconnect",
	}
	for _, l := range lines {
		sess.w.Row("%s", l)
	}
	sess.w.EndBlock()
}

func (sess *Session) cmdMe(rest string) {
	args, ok := parseArgs(rest, 2)
	if !ok {
		sess.w.Reply(protocol.UnknownCommand, "usage: me <name> <password>")
		return
	}
	name, password := args[0], args[1]

	err := sess.srv.State.Authenticate(name, password)
	switch {
	case errors.Is(err, ErrUnknownUser):
		sess.w.Reply(protocol.NoSuchUser, "no such user")
	case errors.Is(err, ErrWrongPassword):
		sess.w.Reply(protocol.WrongPassword, "wrong password")
	case err == nil:
		sess.name = name
		sess.w.Reply(protocol.LoggedIn, "hello %s", name)
	default:
		sess.srv.Sink.Log("session %s: me %s: %v", sess.clientID, name, err)
		sess.w.Reply(protocol.InternalError, "internal error")
	}
}

func (sess *Session) cmdRegister(rest string) {
	args, ok := parseArgs(rest, 2)
	if !ok {
		sess.w.Reply(protocol.UnknownCommand, "usage: register <name> <password>")
		return
	}
	name, password := args[0], args[1]

	err := sess.srv.State.Register(name, password)
	switch {
	case errors.Is(err, ErrUserExists):
		sess.w.Reply(protocol.UserExists, "user already exists")
	case err == nil:
		sess.name = name
		sess.w.Reply(protocol.Registered, "hello new user %s", name)
	default:
		sess.srv.Sink.Log("session %s: register %s: %v", sess.clientID, name, err)
		sess.w.Reply(protocol.InternalError, "internal error")
	}
}

func (sess *Session) cmdPassword(rest string) {
	args, ok := parseArgs(rest, 1)
	if !ok {
		sess.w.Reply(protocol.UnknownCommand, "usage: password <password>")
		return
	}
	if sess.name == "" {
		sess.w.Reply(protocol.NotLoggedIn, "not logged in")
		return
	}

	err := sess.srv.State.ChangePassword(sess.name, args[0])
	switch {
	case errors.Is(err, ErrUserVanished):
		sess.w.Reply(protocol.UserVanished, "authenticated user vanished")
	case err == nil:
		sess.w.Reply(protocol.PasswordChanged, "password changed")
	default:
		sess.srv.Sink.Log("session %s: password: %v", sess.clientID, err)
		sess.w.Reply(protocol.InternalError, "internal error")
	}
}

func (sess *Session) cmdList() {
	sess.w.Reply(protocol.ListBlock, "games follow")
	for _, row := range sess.srv.State.ListPosts() {
		if row.IsOffer {
			sess.w.Row("%d %s %c %s [offer]", row.GameID, row.Owner, byte(row.Color), row.OwnerRating)
		} else {
			sess.w.Row("%d %s %s (%s/%s)  [in-progress]", row.GameID, row.White, row.Black, row.WhiteRating, row.BlackRating)
		}
	}
	sess.w.EndBlock()
}

func (sess *Session) cmdRatings() {
	sess.w.Reply(protocol.RatingsBlock, "ratings follow")
	for _, row := range sess.srv.State.TopRatings(sess.name) {
		sess.w.Row("%s %d", row.Name, row.Rating)
	}
	sess.w.EndBlock()
}

func (sess *Session) cmdHistory(rest string) {
	args, ok := parseArgs(rest, 1)
	sess.w.Reply(protocol.HistoryBlock, "history follows")
	if ok {
		for _, row := range sess.srv.State.History(args[0]) {
			var opponent, colorPlayed string
			var rating int
			if row.White == args[0] {
				opponent, colorPlayed, rating = row.Black, "W", row.WhiteRating
			} else {
				opponent, colorPlayed, rating = row.White, "B", row.BlackRating
			}
			sess.w.Row("%d %s %s %d %d", row.GameID, opponent, colorPlayed, row.Score, rating)
		}
	}
	sess.w.EndBlock()
}

func (sess *Session) cmdClean() {
	if sess.name == "" {
		sess.w.Reply(protocol.NotNamed, "not logged in")
		return
	}
	n := sess.srv.State.CancelOwnerOffers(sess.name)
	sess.w.Reply(protocol.OffersCleaned, "%d games cleaned", n)
}

func (sess *Session) cmdEnrollMFA() {
	if sess.name == "" {
		sess.w.Reply(protocol.NotNamed, "not logged in")
		return
	}
	if sess.name != adminName {
		sess.w.Reply(protocol.AdminOnly, "admin only")
		return
	}
	if sess.srv.MFA == nil {
		sess.w.Reply(protocol.InternalError, "mfa not configured")
		return
	}

	enrollment, err := sess.srv.MFA.Enroll("imcsd")
	if err != nil {
		sess.srv.Sink.Log("session %s: enroll-mfa: %v", sess.clientID, err)
		sess.w.Reply(protocol.InternalError, "internal error")
		return
	}

	sess.w.Reply(protocol.MFABlock, "mfa enrollment follows")
	sess.w.Row("secret %s", enrollment.Secret)
	sess.w.Row("uri %s", enrollment.ProvisioningURI)
	sess.w.Row("qr %s", enrollment.QRCodeDataURI)
	sess.w.EndBlock()
}

func (sess *Session) cmdStop(rest string) {
	if sess.name == "" {
		sess.w.Reply(protocol.NotNamed, "not logged in")
		return
	}
	if sess.name != adminName {
		sess.w.Reply(protocol.AdminOnly, "admin only")
		return
	}

	if sess.srv.MFA != nil && sess.srv.MFAEnforce && sess.srv.MFA.Enrolled() {
		code := strings.TrimSpace(rest)
		if code == "" || !sess.srv.MFA.Verify(code) {
			sess.w.Reply(protocol.MFARequired, "mfa required")
			return
		}
	}

	sess.w.Reply(protocol.Stopping, "server stopping, goodbye")
	go sess.srv.BeginShutdown()
}

func (sess *Session) cmdOffer(rest string) outcome {
	args, ok := parseArgs(rest, 1)
	if !ok {
		sess.w.Reply(protocol.UnknownCommand, "usage: offer <W|B>")
		return outcomeContinue
	}
	if sess.name == "" {
		sess.w.Reply(protocol.OfferNotNamed, "not logged in")
		return outcomeContinue
	}
	color, ok := ParseColor(args[0])
	if !ok {
		sess.w.Reply(protocol.OfferBadColor, "bad color, want W or B")
		return outcomeContinue
	}

	gameID, err := sess.srv.State.AllocateGameID()
	if err != nil {
		sess.srv.Sink.Log("session %s: offer: %v", sess.clientID, err)
		sess.w.Reply(protocol.InternalError, "internal error")
		return outcomeContinue
	}

	rating, hasRating := sess.srv.State.PlayerRating(sess.name)
	offer := &Offer{
		GameID:         gameID,
		OwnerName:      sess.name,
		OwnerClientID:  sess.clientID,
		Color:          color,
		OwnerRating:    rating,
		OwnerHasRating: hasRating,
		Mailbox:        make(chan MailboxMsg, 1),
	}

	if err := sess.srv.State.PublishOffer(offer); err != nil {
		sess.w.Reply(protocol.OfferCountermanded, "offer countermanded")
		return outcomeContinue
	}

	if err := sess.w.Reply(protocol.OfferPosted, "game %d waiting for offer acceptance", gameID); err != nil {
		return outcomePlayingDone
	}

	msg, ok := sess.waitForMailbox(offer)
	if !ok {
		// Implicit clean: the connection died while waiting.
		return outcomePlayingDone
	}

	if !msg.Accepted {
		sess.w.Reply(protocol.OfferCountermanded, "offer countermanded")
		return outcomeContinue
	}

	sess.w.Reply(protocol.OfferAccepted, "received acceptance")
	sess.playGame(offer, msg)
	return outcomePlayingDone
}

// waitForMailbox blocks on the offer's mailbox while also watching the
// connection for an unexpected close (spec.md §9 open question a: a
// closed connection is treated as implicit `clean` for that session's own
// Offers). ok is false when the connection died first.
func (sess *Session) waitForMailbox(offer *Offer) (MailboxMsg, bool) {
	stop := make(chan struct{})
	disconnected, watcherDone := watchForDisconnect(sess.conn, stop)

	select {
	case msg := <-offer.Mailbox:
		close(stop)
		<-watcherDone
		sess.conn.SetReadDeadline(time.Time{})
		return msg, true
	case <-disconnected:
		<-watcherDone
		sess.srv.State.CancelOwnerOffers(sess.name)
		return MailboxMsg{}, false
	}
}

func watchForDisconnect(conn net.Conn, stop <-chan struct{}) (disconnected <-chan struct{}, done <-chan struct{}) {
	disc := make(chan struct{})
	dn := make(chan struct{})
	go func() {
		defer close(dn)
		buf := make([]byte, 1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			_, err := conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				close(disc)
				return
			}
			// Unexpected data while Offering is a protocol violation;
			// the client gets no reply for it (it is not a command
			// line), matching spec.md's silence-on-empty-line stance
			// for input that isn't a recognized verb in context.
		}
	}()
	return disc, dn
}

func (sess *Session) cmdAccept(rest string) outcome {
	args, ok := parseArgs(rest, 1)
	if !ok {
		sess.w.Reply(protocol.UnknownCommand, "usage: accept <id>")
		return outcomeContinue
	}
	if sess.name == "" {
		sess.w.Reply(protocol.NotNamed, "not logged in")
		return outcomeContinue
	}
	gameID, ok := protocol.ParseGameID(args[0])
	if !ok {
		sess.w.Reply(protocol.BadGameID, "bad game id")
		return outcomeContinue
	}

	handle := &endpoint{Conn: sess.conn, name: sess.name}
	_, err := sess.srv.State.AcceptOffer(gameID, sess.name, sess.clientID, handle)
	switch {
	case errors.Is(err, ErrNoSuchGame), errors.Is(err, ErrNotAnOffer):
		sess.w.Reply(protocol.NoSuchGame, "no such game")
		return outcomeContinue
	case errors.Is(err, ErrDuplicateAccept):
		sess.w.Reply(protocol.InternalError, "internal error")
		return outcomeContinue
	case err != nil:
		sess.srv.Sink.Log("session %s: accept %d: %v", sess.clientID, gameID, err)
		sess.w.Reply(protocol.InternalError, "internal error")
		return outcomeContinue
	}

	sess.w.Reply(protocol.Accepting, "accepting offer")
	return outcomeAccepterDone
}

// endpoint adapts a net.Conn into a broker.PlayerEndpoint.
type endpoint struct {
	net.Conn
	name string
}

func (e *endpoint) PlayerName() string { return e.name }

// playGame runs the Playing sequence of spec.md §4.4: role assignment,
// InProgress bookkeeping, per-game log redirection, the external driver
// call, rating updates, and teardown. Only the offerer's Session ever
// calls this (the accepter's Session exits right after delivering the
// mailbox message).
func (sess *Session) playGame(offer *Offer, msg MailboxMsg) {
	offererHandle := &endpoint{Conn: sess.conn, name: sess.name}
	accepterHandle := msg.AccepterHandle

	var white, black PlayerEndpoint
	var whiteName, blackName string
	if offer.Color == White {
		white, black = offererHandle, accepterHandle
		whiteName, blackName = sess.name, msg.AccepterName
	} else {
		white, black = accepterHandle, offererHandle
		whiteName, blackName = msg.AccepterName, sess.name
	}

	whiteRating, whiteHasRating := sess.srv.State.PlayerRating(whiteName)
	blackRating, blackHasRating := sess.srv.State.PlayerRating(blackName)

	ip := &InProgress{
		GameID:         offer.GameID,
		White:          whiteName,
		Black:          blackName,
		WhiteRating:    whiteRating,
		HasWhiteRating: whiteHasRating,
		BlackRating:    blackRating,
		HasBlackRating: blackHasRating,
		Done:           make(chan struct{}),
	}
	sess.srv.State.AddInProgress(ip)

	var score int
	var playErr error
	logPath := sess.srv.Store.LogPath(offer.GameID)
	sinkErr := sess.srv.Sink.WithLog(offer.GameID, logPath, func(gl *logsink.GameLogger) {
		gl.Log("game %d: %s (white) vs %s (black)", offer.GameID, whiteName, blackName)
		gl.Log("started %s", time.Now().UTC().Format(time.RFC3339))

		ctx, cancel := context.WithTimeout(context.Background(), GameClockBudget*2+30*time.Second)
		defer cancel()
		score, playErr = sess.srv.Driver.Play(ctx, white, black, GameClockBudget)

		if playErr != nil {
			gl.Log("fatal I/O error: %v", playErr)
		} else {
			gl.Log("finished score=%d", score)
		}
	})
	if sinkErr != nil {
		sess.srv.Sink.Log("session %s: game %d: log sink error: %v", sess.clientID, offer.GameID, sinkErr)
	}

	if playErr != nil {
		sess.srv.Sink.Log("game %d: fatal I/O error: %v", offer.GameID, playErr)
		sendBestEffort(white, "%03d fatal IO error: exiting\n", protocol.FatalIOError)
		sendBestEffort(black, "%03d fatal IO error: exiting\n", protocol.FatalIOError)
		closeBestEffort(white)
		closeBestEffort(black)
		sess.srv.State.RemoveInProgress(offer.GameID)
		close(ip.Done)
		return
	}

	ratingFn := sess.srv.State.RatingFn()
	whiteNew := ratingFn(whiteRating, blackRating, score)
	blackNew := ratingFn(blackRating, whiteRating, -score)

	if err := sess.srv.State.UpdateRatings(whiteName, blackName, whiteNew, blackNew); err != nil {
		sess.srv.Sink.Log("game %d: persisting ratings: %v", offer.GameID, err)
	}

	if sess.srv.State.Archive != nil {
		err := sess.srv.State.Archive.Record(ArchiveRow{
			GameID:      offer.GameID,
			White:       whiteName,
			Black:       blackName,
			Score:       score,
			WhiteRating: whiteNew,
			BlackRating: blackNew,
		})
		if err != nil {
			sess.srv.Sink.Log("game %d: archive: %v", offer.GameID, err)
		}
	}

	closeBestEffort(white)
	closeBestEffort(black)

	sess.srv.State.RemoveInProgress(offer.GameID)
	close(ip.Done)
}

func sendBestEffort(ep PlayerEndpoint, format string, args ...any) {
	defer func() { recover() }()
	fmt.Fprintf(ep, format, args...)
}

func closeBestEffort(ep PlayerEndpoint) {
	defer func() { recover() }()
	ep.Close()
}

// handleDisconnect runs when the command loop's read fails outside of the
// Offering wait (i.e. the client vanished while Anonymous/Named/idle):
// treat it as an implicit `clean` of the session's own offers.
func (sess *Session) handleDisconnect() {
	if sess.name != "" {
		sess.srv.State.CancelOwnerOffers(sess.name)
	}
}
