package broker

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"imcsd/internal/logsink"
	"imcsd/internal/mfa"
	"imcsd/internal/store"
)

// Server owns the process-wide pieces named in spec.md §4.5/§2: the
// guarded state, the listener, and the admin lifecycle (boot-time
// migration + graceful takeover, and the `stop` drain).
type Server struct {
	Port int

	State *State
	Store *store.Store
	Sink  *logsink.Sink

	Driver GameDriver

	MFA        *mfa.Manager // nil disables MFA entirely
	MFAEnforce bool

	listener net.Listener

	shutdownOnce sync.Once
	closing      chan struct{} // closed as soon as the listener is closed
	exitCh       chan struct{} // closed once the drain completes and the process should exit
}

// Options configures InitService.
type Options struct {
	Port            int
	AdminPassword   string
	BaseRating      int
	RatingFn        RatingFunc
	Store           *store.Store
	Driver          GameDriver
	Sink            *logsink.Sink
	MFA             *mfa.Manager
	MFAEnforce      bool
	TakeoverTimeout time.Duration
}

const adminName = "admin"

// InitService performs the boot sequence described in spec.md §4.1/§4.5:
// the store has already migrated by the time this runs (store.Open is
// called before InitService), so this loads state, ensures the admin
// account matches the supplied password, performs a graceful takeover of
// any predecessor found on the port, and finally binds the listener.
func InitService(opts Options) (*Server, error) {
	state, err := NewState(opts.Store, opts.BaseRating, opts.RatingFn)
	if err != nil {
		return nil, err
	}

	if err := state.EnsureAdmin(opts.AdminPassword); err != nil {
		return nil, fmt.Errorf("broker: ensuring admin account: %w", err)
	}

	srv := &Server{
		Port:       opts.Port,
		State:      state,
		Store:      opts.Store,
		Sink:       opts.Sink,
		Driver:     opts.Driver,
		MFA:        opts.MFA,
		MFAEnforce: opts.MFAEnforce,
		closing:    make(chan struct{}),
		exitCh:     make(chan struct{}),
	}

	if addr := predecessorAddr(opts.Port); addr != "" {
		opts.Sink.Log("broker: predecessor detected on port %d, attempting graceful takeover", opts.Port)
		if err := gracefulTakeover(addr, opts.AdminPassword, opts.TakeoverTimeout); err != nil {
			return nil, fmt.Errorf("broker: graceful takeover failed: %w", err)
		}
		if err := waitForPortFree(opts.Port, opts.TakeoverTimeout); err != nil {
			return nil, fmt.Errorf("broker: predecessor did not release port: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("broker: binding port %d: %w", opts.Port, err)
	}
	srv.listener = ln

	return srv, nil
}

// EnsureAdmin upserts the admin account's password so that `me admin
// <pw>` always authenticates with whatever password this process was
// booted with (spec.md §4.1 graceful takeover handshake).
func (s *State) EnsureAdmin(password string) error {
	s.mu.Lock()
	_, exists := s.players[adminName]
	s.mu.Unlock()

	if !exists {
		return s.Register(adminName, password)
	}
	return s.ChangePassword(adminName, password)
}

// predecessorAddr returns "127.0.0.1:port" if something accepts TCP
// connections there already, or "" if the port is free.
func predecessorAddr(port int) string {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, 300*time.Millisecond)
	if err != nil {
		return ""
	}
	conn.Close()
	return addr
}

// gracefulTakeover implements spec.md §4.1's handshake: connect as a
// client, authenticate as admin, instruct the predecessor to stop. Any
// protocol deviation is fatal.
func gracefulTakeover(addr, adminPassword string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dialing predecessor: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	r := bufio.NewReader(conn)

	// Banner: "100 imcs <version>"
	if _, err := readExpectedCode(r, 100); err != nil {
		return fmt.Errorf("reading banner: %w", err)
	}

	fmt.Fprintf(conn, "me %s %s\n", adminName, adminPassword)
	if _, err := readExpectedCode(r, 201); err != nil {
		return fmt.Errorf("authenticating as admin: %w", err)
	}

	fmt.Fprintf(conn, "stop\n")
	if _, err := readExpectedCode(r, 205); err != nil {
		return fmt.Errorf("stopping predecessor: %w", err)
	}

	return nil
}

func readExpectedCode(r *bufio.Reader, want int) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return "", fmt.Errorf("malformed reply %q", line)
	}
	var got int
	if _, err := fmt.Sscanf(line[:3], "%d", &got); err != nil {
		return "", fmt.Errorf("malformed status in %q", line)
	}
	if got != want {
		return "", fmt.Errorf("expected %d, got %q", want, line)
	}
	return line, nil
}

func waitForPortFree(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return nil // nobody's listening anymore
		}
		conn.Close()
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("port %d still bound after %s", port, timeout)
}

// Accept blocks accepting connections until the listener closes (which
// BeginShutdown does first, before it drains offers and games).
func (s *Server) Accept(handle func(net.Conn)) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil // expected: BeginShutdown closed the listener
			default:
				return err
			}
		}
		go handle(conn)
	}
}

// BeginShutdown runs the `stop` drain (spec.md §4.4 `stop`, §5 ordering
// guarantee): close the listener so no new connections are accepted,
// cancel every outstanding Offer, then wait for every InProgress game's
// completion signal before returning.
func (s *Server) BeginShutdown() {
	s.shutdownOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		close(s.closing)

		inProgress := s.State.BeginDrain()
		for _, ip := range inProgress {
			<-ip.Done
		}
		close(s.exitCh)
	})
}

// Exited reports whether BeginShutdown's drain has completed — the
// signal cmd/imcsd waits on before returning from main.
func (s *Server) Exited() <-chan struct{} {
	return s.exitCh
}
