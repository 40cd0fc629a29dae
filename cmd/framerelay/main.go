package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blendle/zapdriver"
	"github.com/muxable/framerelay/internal/av"
	"github.com/muxable/framerelay/internal/codec"
	"github.com/muxable/framerelay/internal/codec/synth"
	"github.com/muxable/framerelay/internal/config"
	"github.com/muxable/framerelay/internal/egress"
	"github.com/muxable/framerelay/internal/events"
	"github.com/muxable/framerelay/pkg/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var version = "dev"

func logger() (*zap.Logger, error) {
	if os.Getenv("APP_ENV") == "production" {
		return zapdriver.NewProduction()
	} else {
		return zap.NewDevelopment()
	}
}

func main() {
	root := &cobra.Command{
		Use:          "framerelay",
		Short:        "Decode a live camera stream and relay normalized frames",
		SilenceUsage: true,
	}
	root.AddCommand(playCommand(), versionCommand())
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}

func playCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play an input and serve its frames",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return err
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Input.URL == "" {
				return errors.New("no input url, set --url or input.url")
			}

			logger, err := logger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			undo := zap.ReplaceGlobals(logger)
			defer undo()

			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func library(url string) (codec.Library, error) {
	if synth.IsURL(url) {
		cfg, err := synth.FromURL(url)
		if err != nil {
			return nil, err
		}
		return synth.New(cfg), nil
	}
	return av.New(zap.L()), nil
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lib, err := library(cfg.Input.URL)
	if err != nil {
		return err
	}
	transport, err := codec.ParseTransport(cfg.Input.Transport)
	if err != nil {
		return err
	}

	broadcaster := egress.NewBroadcaster(zap.L())
	sinks := []relay.Sink{broadcaster}
	if cfg.RTP.Addr != "" {
		conn, err := net.Dial("udp", cfg.RTP.Addr)
		if err != nil {
			return fmt.Errorf("dial rtp %s: %w", cfg.RTP.Addr, err)
		}
		defer conn.Close()
		sinks = append(sinks, egress.NewRTPSender(conn, egress.RTPConfig{
			MTU:         uint16(cfg.RTP.MTU),
			PayloadType: uint8(cfg.RTP.PayloadType),
			SSRC:        cfg.RTP.SSRC,
		}, zap.L()))
		zap.L().Info("sending rtp", zap.String("addr", cfg.RTP.Addr))
	}

	bus := events.New()
	defer bus.OnStateChanged(func(e events.StateChanged) {
		zap.L().Debug("state changed", zap.String("session", e.Session), zap.String("to", e.To))
	})()

	player := relay.NewPlayer(relay.Config{
		Library:       lib,
		Logger:        zap.L(),
		Bus:           bus,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		DiscardEvery:  cfg.Output.DiscardEvery,
		StallWindow:   time.Duration(cfg.Pipeline.StallTimeout),
		RetryDelay:    time.Duration(cfg.Pipeline.RetryDelay),
		HWDevice:      codec.HWDeviceType(cfg.Input.HWDevice),
		HWCodecs:      cfg.Input.HWCodecs,
	})
	player.SetSink(relay.Tee(sinks...))
	player.SetFrameDiscard(cfg.Output.Discard)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	s := grpc.NewServer()
	egress.RegisterRelayServer(s, egress.NewServer(broadcaster, 0, zap.L()))
	grpc_health_v1.RegisterHealthServer(s, health.NewServer())

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	}

	if err := player.StartPlay(relay.Options{
		URL:       cfg.Input.URL,
		Transport: transport,
		Width:     cfg.Output.Width,
		Height:    cfg.Output.Height,
		Hardware:  cfg.Input.Hardware,
		Retries:   cfg.Input.Retries,
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("starting relay server", zap.String("addr", cfg.Server.GRPCAddr))
		return s.Serve(lis)
	})
	if metricsServer != nil {
		g.Go(func() error {
			zap.L().Info("starting metrics server", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-player.Done():
			zap.L().Info("session ended")
			cancel()
		}

		err := player.StopPlay()
		broadcaster.Close()
		s.Stop()
		if metricsServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			metricsServer.Shutdown(shutdownCtx)
		}
		return err
	})
	return g.Wait()
}
