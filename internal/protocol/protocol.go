// Package protocol defines the line-oriented wire contract every
// connected client speaks: status codes, reply formatting, and the
// framing rules for multi-line blocks (spec.md §6).
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Version is advertised in the boot banner.
const Version = "2.2"

// Status codes. Comments mirror the wire-contract table in spec.md §6.
const (
	Hello              = 100 // server hello with version
	OfferPosted        = 101 // offer posted, waiting
	OfferAccepted      = 102 // offer accepted (sent to offerer)
	Accepting          = 103 // accepting (sent to accepter)
	Goodbye            = 200 // goodbye
	LoggedIn           = 201 // logged in
	Registered         = 202 // registered + logged in
	PasswordChanged    = 203 // password changed
	OffersCleaned      = 204 // offers cleaned, count follows
	Stopping           = 205 // server stopping
	HelpBlock          = 210 // help block opener
	ListBlock          = 211 // list block opener
	RatingsBlock       = 212 // ratings block opener
	HistoryBlock       = 213 // history block opener (additive)
	MFABlock           = 214 // MFA enrollment block opener (additive)
	NoSuchUser         = 400 // no such user
	WrongPassword      = 401 // wrong password
	UserExists         = 402 // user already exists
	NotLoggedIn        = 403 // not logged in (for password)
	OfferNotNamed      = 404 // not named / offer
	OfferBadColor      = 405 // bad color on offer
	NotNamed           = 406 // not named / accept, clean, stop
	BadGameID          = 407 // bad id on accept
	NoSuchGame         = 408 // no such game
	FatalIOError       = 420 // fatal I/O error in game
	OfferCountermanded = 421 // offer countermanded
	InternalError      = 499 // internal error
	UserVanished       = 500 // authenticated user vanished
	UnknownCommand     = 501 // unknown command
	AdminOnly          = 502 // admin only
	MFARequired        = 503 // mfa required / invalid code (additive)
)

// BlockTerminator closes a multi-line 21x block.
const BlockTerminator = "."

// Writer emits protocol replies on a connection's output stream, one line
// at a time, in command order (spec.md §5 ordering guarantee).
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Reply writes "<code> <text>\n" and flushes immediately: every reply must
// reach the client before the session blocks on its next suspension point.
func (w *Writer) Reply(code int, format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := fmt.Fprintf(w.w, "%03d %s\n", code, text); err != nil {
		return err
	}
	return w.w.Flush()
}

// Row writes one data row of a multi-line block, leading space per
// spec.md §6.
func (w *Writer) Row(format string, args ...any) error {
	if _, err := fmt.Fprintf(w.w, " %s\n", fmt.Sprintf(format, args...)); err != nil {
		return err
	}
	return w.w.Flush()
}

// EndBlock closes a 21x/multi-line block.
func (w *Writer) EndBlock() error {
	if _, err := fmt.Fprintf(w.w, "%s\n", BlockTerminator); err != nil {
		return err
	}
	return w.w.Flush()
}

// RatingOrUnknown renders a rating field, or "?" when the player has no
// record (spec.md §6 list row format).
func RatingOrUnknown(rating int, known bool) string {
	if !known {
		return "?"
	}
	return fmt.Sprintf("%d", rating)
}

// ParseGameID validates the decimal game id grammar from spec.md §4.4:
// digits only, non-empty, fewer than 9 digits (rejecting overflow).
func ParseGameID(s string) (int, bool) {
	if s == "" || len(s) >= 9 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	var n int
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n, true
}

// SplitCommand splits a command line into its verb and the remainder,
// trimming surrounding whitespace. An empty line yields ("", "").
func SplitCommand(line string) (verb string, rest string) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	verb = parts[0]
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return verb, rest
}
