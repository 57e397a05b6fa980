package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/cidgate/internal/config"
	"github.com/danmuck/cidgate/internal/gateway"
	"github.com/danmuck/cidgate/internal/logging"
	"github.com/danmuck/cidgate/internal/observability"
	"github.com/danmuck/cidgate/internal/protocol/session"
	"github.com/danmuck/cidgate/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/cidgate/config.toml", "config path")
	flag.Parse()

	observability.InitLogger("cidgate")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if os.Getenv(logging.EnvLogLevel) == "" {
		if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
			logging.SetLevel(lvl)
		}
	}
	log.Info().Str("path", *configPath).Int("cid_length", cfg.Session.CIDLength).Msg("loaded config")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("cidgate stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, err := config.NewGenerator(cfg)
	if err != nil {
		return err
	}
	table := session.NewTable(cfg.Session)

	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	endpoint := gateway.NewEndpoint(cfg.Gateway, table, nil)

	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			_ = conn.Close()
			return err
		}
		admin := server.NewAdmin(cfg.NodeID, cfg.AdminAddr, cfg.CorsOrigins, table, gen, config.AdminValidator(cfg))
		go func() {
			adminErr <- admin.Serve(ctx, ln)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- endpoint.Serve(ctx, conn)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			stop()
			<-serveErr
			return err
		}
		return <-serveErr
	}
}
