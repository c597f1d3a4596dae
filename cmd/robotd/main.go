// Command robotd runs one robot controller: the control protocol listener,
// the selected robot backend and the status HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/robctl/internal/backend/hardware"
	"github.com/danmuck/robctl/internal/backend/sim"
	"github.com/danmuck/robctl/internal/controller"
	"github.com/danmuck/robctl/internal/logging"
	"github.com/danmuck/robctl/internal/robot"
	"github.com/danmuck/robctl/internal/status"
	"github.com/danmuck/robctl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "robotd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("robotd", pflag.ContinueOnError)
	cfg, err := resolveConfig(fs, args)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime("robotd", cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	var opts []controller.Option
	validator, err := cfg.validator()
	if err != nil {
		return err
	}
	if validator != nil {
		opts = append(opts, controller.WithValidator(validator))
	}
	ctl, err := controller.New(cfg.Controller, backend, opts...)
	if err != nil {
		return err
	}

	log.Info().
		Str("robot", ctl.ID()).
		Str("backend", cfg.Backend).
		Str("listen", cfg.ListenAddr).
		Str("status", cfg.StatusAddr).
		Bool("tls", cfg.Transport.TLS.Enabled).
		Bool("auth", validator != nil).
		Msg("robotd starting")

	return serve(ctx, cfg, ctl)
}

// serve runs the controller, protocol listener and status server until ctx
// ends or one of them fails.
func serve(ctx context.Context, cfg daemonConfig, ctl *controller.Controller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("controller", ctl.Run)

	listener := transport.NewListener(cfg.Transport, func(ctx context.Context, ch *transport.ConnChannel) {
		remote := ch.RemoteAddr()
		log.Info().Str("robot", ctl.ID()).Str("remote", remote).Msg("robotd client connected")
		if err := ctl.Serve(ctx, ch); err != nil {
			log.Warn().Err(err).Str("robot", ctl.ID()).Str("remote", remote).Msg("robotd client ended")
			return
		}
		log.Info().Str("robot", ctl.ID()).Str("remote", remote).Msg("robotd client disconnected")
	})
	start("listener", func(ctx context.Context) error {
		return listener.ListenAndServe(ctx, cfg.ListenAddr)
	})

	if cfg.StatusAddr != "" {
		srv := status.New(ctl, status.Config{CORSOrigins: cfg.CORSOrigins})
		start("status", func(ctx context.Context) error {
			return srv.ListenAndServe(ctx, cfg.StatusAddr)
		})
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return err
	}
	log.Info().Str("robot", ctl.ID()).Msg("robotd stopped")
	return nil
}

func buildBackend(cfg daemonConfig) (robot.Backend, func(), error) {
	switch cfg.Backend {
	case backendHardware:
		tcfg := cfg.Transport
		if cfg.Hardware.ConnectTimeout > 0 {
			tcfg.ConnectTimeout = cfg.Hardware.ConnectTimeout
		}
		if cfg.Hardware.MaxConnectAttempts != 0 {
			tcfg.MaxConnectAttempts = cfg.Hardware.MaxConnectAttempts
		}
		// The driver link is a local plain TCP socket.
		tcfg.TLS = transport.TLSConfig{}
		tcfg.SecurityMode = transport.SecurityModeDevelopment
		b, err := hardware.New(hardware.Config{Address: cfg.Hardware.Address, Transport: tcfg})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	default:
		desc := sim.DefaultDescription()
		if cfg.Simulated.DescriptionPath != "" {
			loaded, err := sim.LoadDescription(cfg.Simulated.DescriptionPath)
			if err != nil {
				return nil, nil, err
			}
			desc = loaded
		}
		b, err := sim.New(sim.Config{
			Description: desc,
			Latency:     cfg.Simulated.Latency,
			FailOps:     cfg.Simulated.FailOps,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	}
}
