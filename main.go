package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/halcyonmud/halcyon/internal/driver"
	"github.com/halcyonmud/halcyon/internal/event"
	"github.com/halcyonmud/halcyon/internal/lang"
	"github.com/halcyonmud/halcyon/internal/session"
)

func main() {
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Send()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	handler := &shellHandler{}
	d, err := driver.New(driver.Config{
		Addrs:        cfg.Addrs,
		UDPAddr:      cfg.UDPAddr,
		ErqPath:      cfg.ErqPath,
		MaxSessions:  cfg.MaxSessions,
		IPCacheSize:  cfg.IPCacheSize,
		Heartbeat:    cfg.Heartbeat,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
		Interp:       lang.NopInterp{},
		Handler:      handler,
		Hooks: driver.Hooks{
			Connect: func(s *session.Session) (lang.Value, error) {
				return s.ID.String(), nil
			},
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Send()
	}
	handler.d = d

	logEvent := func(_ context.Context, ev event.Event) error {
		log := logger.Trace().Str("event", string(ev.Name))
		switch t := ev.Data.(type) {
		case driver.ConnectData:
			log.Str("session", t.ID.String()).Str("peer", t.Addr.String())
		case driver.DisconnectData:
			log.Str("session", t.ID.String()).Str("peer", t.Addr.String())
		case driver.DatagramData:
			log.Str("peer", t.Addr.String()).Bytes("data", t.Payload)
		default:
			log.Any("data", t)
		}
		log.Send()
		return nil
	}
	bus := d.Bus()
	bus.ListenFunc(driver.EventConnect, logEvent)
	bus.ListenFunc(driver.EventDisconnect, logEvent)
	bus.ListenFunc(driver.EventErqStop, logEvent)
	bus.ListenFunc(driver.EventDatagram, logEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Strs("addrs", cfg.Addrs).Msg("started")
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Send()
	}
	logger.Info().Msg("stopped")
}

// shellHandler is the built-in command surface of the standalone
// binary; a real deployment replaces it with the interpreter's parser.
type shellHandler struct {
	d *driver.Driver
}

func (h *shellHandler) HandleCommand(s *session.Session, cmd string) {
	switch cmd {
	case "":
	case "quit":
		h.d.Send(s, "Goodbye.\n")
		h.d.Remove(s)
	case "who":
		h.d.Send(s, fmt.Sprintf("%d connected.\n", h.d.Sessions().Len()))
	default:
		h.d.Send(s, "You said: "+cmd+"\n")
	}
}

func (h *shellHandler) HandleHeartbeat() {}
