package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voicecast/voicecast/internal/broadcast"
	"github.com/voicecast/voicecast/internal/config"
	"github.com/voicecast/voicecast/internal/dispatch"
	"github.com/voicecast/voicecast/internal/rooms"
	"github.com/voicecast/voicecast/internal/rtc"
	"github.com/voicecast/voicecast/internal/transport"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

func main() {
	var (
		role     = flag.String("role", "listen", "broadcast or listen")
		roomID   = flag.String("room", "", "room id")
		userID   = flag.String("user", "", "user id (random when empty)")
		username = flag.String("name", "anonymous", "display name")
		roomsURL = flag.String("rooms-url", "", "room service base URL (empty allows everything)")
	)
	flag.Parse()

	cfg, err := config.LoadEngine()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	cfg.Log.ServiceName = "voicecast"
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	if *roomID == "" {
		logger.Fatal().Msg("-room is required")
	}
	if *userID == "" {
		*userID = uuid.New().String()
	}
	self := broadcast.Identity{UserID: *userID, Username: *username}

	tr := transport.NewWSTransport(cfg.Relay)
	defer tr.Close()

	d := dispatch.New(tr, self.UserID)

	factory, err := rtc.NewPionFactory(cfg.ICEServers)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create webrtc factory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	switch *role {
	case "broadcast":
		var auth broadcast.Authorizer
		if *roomsURL != "" {
			auth = rooms.NewClient(*roomsURL, 30*time.Second)
		} else {
			auth = &rooms.StaticAuthorizer{Admins: map[string][]string{*roomID: {self.UserID}}}
		}

		var mic rtc.Microphone
		if cfg.Microphone.Driver == "rtp" {
			mic = &rtc.RTPMicrophone{ListenAddr: cfg.Microphone.ListenAddr}
		} else {
			mic = &rtc.StaticMicrophone{}
		}

		registry := broadcast.NewRegistry(d, factory, mic, auth, self)
		if _, err := registry.StartBroadcast(ctx, *roomID, self.UserID); err != nil {
			logger.Fatal().Err(err).Msg("failed to start broadcast")
		}
		logger.Info().Str(pkglog.FieldRoomID, *roomID).Msg("broadcasting, ctrl-c to stop")

		<-quit
		if err := registry.StopBroadcast(ctx, *roomID, self.UserID); err != nil {
			logger.Error().Err(err).Msg("stop failed")
		}

	case "listen":
		listener := broadcast.NewListener(d, factory, *roomID, self,
			broadcast.WithJoinPolicy(cfg.Join.Timeout, cfg.Join.Attempts))
		logger.Info().Str(pkglog.FieldRoomID, *roomID).Msg("waiting for a broadcast, ctrl-c to leave")

		<-quit
		listener.Leave()

	default:
		logger.Fatal().Str("role", *role).Msg("unknown role")
	}

	logger.Info().Msg("voicecast exited")
}
