// Command imcsd is the internet chess/game-matching server daemon: it
// wires the on-disk store, the guarded broker state, the optional
// cache/archive/MFA/spectator components, and a reference game driver
// together, then serves connections until `stop` drains it.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imcsd/internal/archive"
	"imcsd/internal/broker"
	"imcsd/internal/config"
	"imcsd/internal/logsink"
	"imcsd/internal/mfa"
	"imcsd/internal/rating"
	"imcsd/internal/ratingcache"
	"imcsd/internal/spectate"
	"imcsd/internal/store"
	"imcsd/internal/tictactoe"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional environment file")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: imcsd [-env file] <port> <admin-password>\n")
		os.Exit(2)
	}

	var port int
	if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil {
		log.Fatalf("imcsd: invalid port %q: %v", args[0], err)
	}
	adminPassword := args[1]

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("imcsd: %v", err)
	}

	sink := logsink.New(os.Stderr)
	sink.Log("imcsd starting up on port %d", port)

	if cfg.SpectateEnabled {
		hub := spectate.NewHub()
		sink.SetSpectator(hub)
		go func() {
			sink.Log("spectator feed listening on %s", cfg.SpectateAddr)
			if err := serveSpectate(cfg.SpectateAddr, hub); err != nil {
				sink.Log("spectator feed: %v", err)
			}
		}()
	}

	st, err := store.Open(cfg.DataDir, rating.BaseRating)
	if err != nil {
		log.Fatalf("imcsd: opening store: %v", err)
	}

	var ratingCache *ratingcache.Cache
	if cfg.RedisEnabled {
		ratingCache, err = ratingcache.Connect(cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			sink.Log("rating cache disabled: %v", err)
			ratingCache = nil
		}
	}

	var archiveStore *archive.Archive
	if cfg.DBDSN != "" {
		archiveStore, err = archive.Open(cfg)
		if err != nil {
			sink.Log("transcript archive disabled: %v", err)
			archiveStore = nil
		}
	}

	mfaManager := mfa.New()

	srv, err := broker.InitService(broker.Options{
		Port:            port,
		AdminPassword:   adminPassword,
		BaseRating:      rating.BaseRating,
		RatingFn:        rating.Update,
		Store:           st,
		Driver:          tictactoe.New(),
		Sink:            sink,
		MFA:             mfaManager,
		MFAEnforce:      cfg.MFAEnforce,
		TakeoverTimeout: time.Duration(cfg.TakeoverTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("imcsd: %v", err)
	}

	if ratingCache != nil {
		srv.State.RatingCache = ratingCache
	}
	if archiveStore != nil {
		srv.State.Archive = archiveStore
	}

	sink.Log("imcsd ready on port %d", port)

	go func() {
		err := srv.Accept(func(conn net.Conn) {
			broker.NewSession(srv, conn).Serve()
		})
		if err != nil {
			sink.Log("accept loop: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		sink.Log("received signal %v, stopping", sig)
		srv.BeginShutdown()
	case <-srv.Exited():
	}

	<-srv.Exited()

	sink.Log("[1/3] drain complete")
	if archiveStore != nil {
		archiveStore.Close()
		sink.Log("[2/3] archive closed")
	}
	if ratingCache != nil {
		ratingCache.Close()
	}
	sink.Log("[3/3] imcsd offline")
}

func serveSpectate(addr string, hub *spectate.Hub) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/spectate", hub.ServeHTTP)
	return http.ListenAndServe(addr, mux)
}
