package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/duet-chat/duet/internal/backend"
	"github.com/duet-chat/duet/internal/broker"
	"github.com/duet-chat/duet/internal/call"
	"github.com/duet-chat/duet/internal/config"
	"github.com/duet-chat/duet/internal/history"
	"github.com/duet-chat/duet/internal/media"
	"github.com/duet-chat/duet/internal/proto"
	"github.com/duet-chat/duet/internal/status"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("duet v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: duet requires a directory path")
		fmt.Fprintln(os.Stderr, "Usage: duet <directory>")
		os.Exit(1)
	}
	run(args[0])
}

func run(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "duet.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s — fill in identity and server URLs, then run again.\n", cfgPath)
		return
	}

	applyLogLevel(cfg.Log.Level)
	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	// Live config edits apply from the next session onward.
	cfgCh := make(chan config.Config, 1)
	go func() {
		err := config.Watch(ctx, cfgPath, func(c config.Config) {
			log.Printf("CONFIG: reloaded, applies to the next session")
			select {
			case cfgCh <- c:
			default:
			}
		})
		if err != nil {
			log.Printf("CONFIG: watch unavailable: %v", err)
		}
	}()

	var store *history.Store
	if cfg.History.Path != "" {
		histPath := cfg.History.Path
		if !filepath.IsAbs(histPath) {
			histPath = filepath.Join(absDir, histPath)
		}
		store, err = history.Open(histPath)
		if err != nil {
			log.Fatalf("Failed to open history: %v", err)
		}
		defer store.Close()
	}

	for {
		select {
		case c := <-cfgCh:
			cfg = c
			applyLogLevel(cfg.Log.Level)
		default:
		}

		client := backend.NewClient(cfg.Backend.URL, cfg.Identity.UserID, cfg.Identity.Token)
		poller := status.NewPoller(client)
		poller.OnQueue = func(pos, total int) {
			fmt.Printf("\rIn queue: position %d of %d   ", pos, total)
		}

		target, st, err := poller.Wait(ctx)
		if err != nil {
			return // cancelled
		}
		fmt.Println()

		switch target {
		case status.TargetChat:
			fmt.Printf("Session %s moved to chat — open the chat page to continue.\n", st.SessionID)
			waitForSessionEnd(ctx, client, st.SessionID)
		case status.TargetSession:
			runSession(ctx, cfg, client, store, st)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		fmt.Println("Returning to queue...")
	}
}

// runSession drives one paired session end to end: peer connection, countdown,
// teardown, history entry.
func runSession(ctx context.Context, cfg config.Config, client *backend.Client, store *history.Store, st proto.Status) {
	fmt.Printf("Matched! session=%s time=%ds\n", st.SessionID, st.TimeLeftMS/1000)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := call.New(call.Options{
		SessionID: st.SessionID,
		UserID:    cfg.Identity.UserID,
		Backend:   client,
		Broker:    broker.NewClient(cfg.Broker.URL, cfg.Broker.Key, cfg.Broker.STUNServers),
		OpenMedia: func() (call.Media, error) {
			return media.Acquire(media.Options{
				PreferredCam:  cfg.Media.PreferredCam,
				PreferredMic:  cfg.Media.PreferredMic,
				VideoDisabled: cfg.Media.VideoDisabled,
				MaxWidth:      cfg.Media.MaxWidth,
				MaxHeight:     cfg.Media.MaxHeight,
			})
		},
		PollInterval:        time.Duration(cfg.Backend.PollSec) * time.Second,
		DialTimeout:         time.Duration(cfg.Broker.DialTimeoutSec) * time.Second,
		MaxRegisterAttempts: cfg.Broker.MaxRegisterAttempts,
	})
	defer mgr.Teardown()

	started := time.Now()
	outcome := history.OutcomeSkipped

	if err := mgr.Start(sctx); err != nil {
		log.Printf("Session setup failed: %v", err)
		record(store, st, started, history.OutcomeFailed)
		return
	}

	tm := call.NewTimer(st.SessionID, st.TimeLeftMS, client,
		func() {
			fmt.Println("\nTime's up.")
			mgr.Teardown()
		},
		func(reason call.TerminalReason, backendStatus string) {
			switch {
			case backendStatus == proto.StatusInChat:
				fmt.Println("Session moved to chat.")
			case reason == call.ReasonExpired:
				fmt.Println("Session over.")
			default:
				fmt.Printf("Session ended by the backend (status %q).\n", backendStatus)
			}
			cancel()
		})
	tm.ResyncEvery = cfg.Backend.ResyncSec
	go tm.Run(sctx)

	for {
		select {
		case <-sctx.Done():
			if outcome == history.OutcomeSkipped && ctx.Err() == nil {
				outcome = history.OutcomeEnded
			}
			record(store, st, started, outcome)
			return
		case ev := <-mgr.Events():
			switch ev.Kind {
			case call.EventState:
				log.Printf("SESSION [%s]: %s", st.SessionID, ev.State)
				if ev.State == call.StateConnected {
					fmt.Printf("Connected — %d:%02d remaining\n", tm.Remaining()/60, tm.Remaining()%60)
				}
			case call.EventTransient:
				fmt.Println(ev.Message)
			case call.EventRemoteMedia:
				if ev.Remote.Muted {
					fmt.Println("Partner muted their microphone.")
				}
				if ev.Remote.VideoOff {
					fmt.Println("Partner turned their camera off.")
				}
			case call.EventCallEnded:
				fmt.Println(ev.Message)
				if ev.Err != nil {
					outcome = history.OutcomeFailed
				} else {
					outcome = history.OutcomeEnded
				}
				// The backend decides what happens next; keep the timer
				// running until it goes terminal.
			case call.EventFatal:
				fmt.Printf("Error: %s\n", ev.Message)
				record(store, st, started, history.OutcomeFailed)
				return
			}
		}
	}
}

// waitForSessionEnd keeps polling during the chat phase so the queue loop
// resumes once the backend ends the session.
func waitForSessionEnd(ctx context.Context, client *backend.Client, sessionID string) {
	ticker := time.NewTicker(status.DefaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := client.FetchStatus(ctx)
		if err != nil {
			continue
		}
		if st.SessionID != sessionID || (st.Status != proto.StatusInChat && st.Status != proto.StatusInSession) {
			return
		}
	}
}

func record(store *history.Store, st proto.Status, started time.Time, outcome string) {
	if store == nil {
		return
	}
	err := store.Record(history.Entry{
		SessionID: st.SessionID,
		Partner:   st.PartnerID,
		StartedAt: started,
		EndedAt:   time.Now(),
		Outcome:   outcome,
	})
	if err != nil {
		log.Printf("HISTORY: record failed: %v", err)
	}
}

func applyLogLevel(level string) {
	if level == "" {
		level = "info"
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		log.Printf("LOG: invalid level %q: %v", level, err)
	}
}

func showUsage() {
	fmt.Println("duet - paired video sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  duet <directory>   Join the queue using <directory>/duet.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("The directory must contain a duet.json configuration file; a")
	fmt.Println("skeleton is created on first run.")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     duet session                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config File: %s\n", cfgPath)
	fmt.Printf("User:        %s\n", cfg.Identity.UserID)
	fmt.Printf("Backend:     %s\n", cfg.Backend.URL)
	fmt.Printf("Broker:      %s\n", cfg.Broker.URL)
	if cfg.Media.VideoDisabled {
		fmt.Println("Mode:        audio-only")
	}
	fmt.Println()
	fmt.Println("Joining queue... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
