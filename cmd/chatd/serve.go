package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scott-cotton/cli"

	ipc "github.com/jc-lab/psk-local-chat-go"
	"github.com/jc-lab/psk-local-chat-go/chat"
	"github.com/jc-lab/psk-local-chat-go/logger"
)

// extra time granted to Shutdown on top of the worker grace period
const shutdownSlack = 3 * time.Second

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	_, err := cfg.Serve.Parse(cc, args)
	if err != nil {
		cfg.Serve.Usage(cc, err)
		return cli.ExitCodeErr(1)
	}

	conf, err := cfg.load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitCodeErr(1)
	}
	if cfg.Capacity > 0 {
		conf.Server.Capacity = cfg.Capacity
	}
	log := logger.New(os.Stderr, logger.ParseLevel(conf.LogLevel)).With("endpoint", conf.Endpoint.Name)

	mode, err := conf.FileMode()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		return cli.ExitCodeErr(1)
	}
	ipcCfg := &ipc.ServerConfig{
		SocketDirectory:  conf.Endpoint.Directory,
		MaxMsgSize:       conf.Server.MaxMessage,
		Permissions:      mode,
		HandshakeTimeout: conf.Server.HandshakeTimeout.Duration,
		PskConfig:        ipc.NewPSKConfig("", conf.Password),
	}
	endpoint, err := ipc.Listen(conf.Endpoint.Name, ipcCfg)
	if err != nil {
		log.Error("failed to create endpoint", "err", err)
		return cli.ExitCodeErr(1)
	}

	sink := chat.NewSerialSink(chat.NewConsoleSink(cc.Out), 64)
	srv := chat.New(endpoint, chat.Config{
		Capacity:      conf.Server.Capacity,
		IPC:           ipcCfg,
		ShutdownGrace: conf.Server.ShutdownGrace.Duration,
		PollInterval:  conf.Server.PollInterval.Duration,
		Sink:          sink,
		Logger:        log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Server.WatchEndpoint {
		go func() {
			err := endpoint.WatchRemoval(ctx, func() {
				log.Warn("endpoint removed, shutting down", "path", endpoint.Path())
				srv.Registry().RequestShutdown()
			})
			if err != nil {
				log.Warn("endpoint watch stopped", "err", err)
			}
		}()
	}

	fmt.Fprintln(cc.Out, "Server initialized")
	serveErr := srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownGrace.Duration+shutdownSlack)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("workers still running at exit", "err", err, "stats", srv.Stats())
	}
	sink.Close()

	if !errors.Is(serveErr, chat.ErrServerClosed) {
		log.Error("server failed", "err", serveErr)
		return cli.ExitCodeErr(1)
	}
	log.Info("server stopped", "stats", srv.Stats())
	return nil
}
