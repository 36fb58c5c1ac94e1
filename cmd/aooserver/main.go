// Command aooserver runs the AOO rendezvous server: a TCP control listener
// for login/group membership, a UDP responder for the client's
// public-address handshake, a stale-session janitor, and an optional
// read-only HTTP status surface (spec.md §6.5).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"aoo/netpeer"
	"aoo/rendezvous"
	"aoo/rendezvous/httpapi"
	"aoo/rendezvous/store"
)

// Version is set at release time; "dev" for local builds.
var Version = "dev"

func main() {
	// Subcommands are checked before flag parsing so "aooserver status"
	// doesn't collide with the -l/--log-level style flags of serve mode.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], defaultDBPath) {
			return
		}
	}

	var (
		relay          = pflag.BoolP("relay", "r", false, "enable server-side relay")
		logLevel       = pflag.IntP("log-level", "l", 0, "log verbosity: 0=info 1=debug 2=warn-only")
		version        = pflag.BoolP("version", "v", false, "print version and exit")
		dbPath         = pflag.String("db", defaultDBPath, "account/group store path")
		apiAddr        = pflag.String("api-addr", "", "read-only HTTP status address (empty to disable)")
		controlPerSec  = pflag.Int("control-rate", rendezvous.DefaultControlPerSec, "max control messages per second per connection")
		requestTimeout = pflag.Duration("request-timeout", netpeer.DefaultRequestTimeout, "handshake timeout and session-liveness bound")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [port] [flags]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *version {
		fmt.Printf("aooserver %s\n", Version)
		return
	}

	configureLogging(*logLevel)

	port := "7078"
	if pflag.NArg() > 0 {
		port = pflag.Arg(0)
	}
	addr := net.JoinHostPort("", port)

	st, err := store.New(*dbPath)
	if err != nil {
		charmlog.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cfg := rendezvous.Config{
		Addr:           addr,
		Relay:          *relay,
		ControlPerSec:  *controlPerSec,
		RequestTimeout: *requestTimeout,
	}
	srv := rendezvous.New(cfg, st)

	janitor := rendezvous.NewJanitor(srv)
	janitor.Start()
	defer janitor.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		charmlog.Info("shutting down")
		cancel()
	}()

	if *apiAddr != "" {
		api := httpapi.New(srv)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				charmlog.Errorf("httpapi: %v", err)
			}
		}()
		charmlog.Infof("status API listening on %s", *apiAddr)
	}

	charmlog.Infof("rendezvous server listening on %s (relay=%v)", addr, *relay)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		charmlog.Fatalf("server: %v", err)
	}
}

func configureLogging(level int) {
	switch level {
	case 1:
		charmlog.SetLevel(charmlog.DebugLevel)
	case 2:
		charmlog.SetLevel(charmlog.WarnLevel)
	default:
		charmlog.SetLevel(charmlog.InfoLevel)
	}
	charmlog.SetReportTimestamp(true)
}

const defaultDBPath = "aooserver.db"
