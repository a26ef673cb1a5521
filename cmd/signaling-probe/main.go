package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/openconvo/signaling-client/internal/backend"
	"github.com/openconvo/signaling-client/internal/config"
	"github.com/openconvo/signaling-client/internal/metrics"
	"github.com/openconvo/signaling-client/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	transport := "polling"
	if cfg.UsesSocket() {
		transport = "socket"
	}
	logger.Info("starting signaling-probe",
		"backend_base_url", cfg.BackendBaseURL,
		"transport", transport,
		"servers", len(cfg.Servers),
		"room_set", cfg.RoomToken != "",
		"mode", cfg.Mode,
		"commit", commit,
		"build_time", built,
	)

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	bc, err := backend.NewClient(cfg.BackendBaseURL, httpClient, logger)
	if err != nil {
		logger.Error("failed to configure backend client", "err", err)
		os.Exit(2)
	}

	session := signaling.New(cfg, bc, logger)
	logEvents(session, logger)

	if cfg.MetricsAddr != "" {
		// Expose internal counters in Prometheus' text format.
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.PrometheusHandler(session.Metrics()))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener exited", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.Connect()

	if cfg.RoomToken != "" {
		session.SetRoom(backend.NewSingleRoom(bc, cfg.RoomToken))
		session.JoinRoom(cfg.RoomToken, "")
	} else {
		if _, err := session.SetRoomCollection(ctx, backend.NewRoomDirectory(bc)); err != nil {
			logger.Warn("initial room sync failed", "err", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	session.Disconnect()

	for name, value := range session.Metrics().Snapshot() {
		logger.Info("counter", "name", name, "value", value)
	}
}

// logEvents subscribes to every session event so the probe prints the full
// lifecycle it observes.
func logEvents(session *signaling.Session, logger *slog.Logger) {
	session.On(signaling.EventConnect, func(ev signaling.Event) {
		logger.Info("event: connected", "session", session.SessionID())
	})
	session.On(signaling.EventRoomChanged, func(ev signaling.Event) {
		logger.Info("event: room changed", "previous", ev.PreviousRoomToken, "room", ev.RoomToken)
	})
	session.On(signaling.EventJoinRoom, func(ev signaling.Event) {
		logger.Info("event: joined room", "room", ev.RoomToken)
	})
	session.On(signaling.EventLeaveRoom, func(ev signaling.Event) {
		logger.Info("event: left room", "room", ev.RoomToken)
	})
	session.On(signaling.EventJoinCall, func(ev signaling.Event) {
		logger.Info("event: joined call", "call", ev.RoomToken)
	})
	session.On(signaling.EventLeaveCall, func(ev signaling.Event) {
		logger.Info("event: left call", "call", ev.RoomToken)
	})
	session.On(signaling.EventUsersJoined, func(ev signaling.Event) {
		for _, p := range ev.Participants {
			logger.Info("event: participant joined", "session", p.SessionID, "user", p.UserID)
		}
	})
	session.On(signaling.EventUsersLeft, func(ev signaling.Event) {
		for _, id := range ev.SessionIDs {
			logger.Info("event: participant left", "session", id)
		}
	})
	session.On(signaling.EventUsersChanged, func(ev signaling.Event) {
		logger.Info("event: participants changed", "count", len(ev.Participants))
	})
	session.On(signaling.EventMessage, func(ev signaling.Event) {
		logger.Info("event: message", "bytes", len(ev.Payload))
	})
	session.On(signaling.EventStunServers, func(ev signaling.Event) {
		logger.Info("event: stun servers", "count", len(ev.ICEServers))
	})
	session.On(signaling.EventTurnServers, func(ev signaling.Event) {
		logger.Info("event: turn servers", "count", len(ev.ICEServers))
	})
	session.On(signaling.EventPasswordRequired, func(ev signaling.Event) {
		logger.Warn("event: room requires a password", "room", ev.RoomToken)
	})
	session.On(signaling.EventRoomGone, func(ev signaling.Event) {
		logger.Warn("event: room gone", "room", ev.RoomToken)
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
