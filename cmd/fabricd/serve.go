package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iot-go-garage/pkg/broker"
	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/fabricsvc"
	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt"
	"github.com/iot-go-garage/pkg/service"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var listen, seedFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and the fabric services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				cfg.Fabric.ListenAddr = listen
			}
			if cmd.Flags().Changed("seed") {
				cfg.Fabric.SeedFile = seedFile
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", cfg.Fabric.ListenAddr, "broker listen address")
	cmd.Flags().StringVar(&seedFile, "seed", cfg.Fabric.SeedFile, "YAML file with topics, configuration and users")
	return cmd
}

// newManager wires the broker, the loopback client the fabric services talk
// through, and the services themselves.
func newManager(cfg *config.Config, seed *fabricsvc.Seed) (*service.Manager, error) {
	b := broker.New(cfg.Fabric.ListenAddr, cfg.Endpoint.Secret)

	loopbackCfg := *cfg
	loopbackCfg.MQTT.UseTLS = false
	loopback := mqtt.NewClient(&loopbackCfg, "fabricd-"+uuid.NewString())

	services := []service.Service{
		b,
		service.New("loopback", []string{b.Name()},
			func(context.Context) error {
				host, port, err := net.SplitHostPort(b.Addr())
				if err != nil {
					return fmt.Errorf("broker address: %w", err)
				}
				if host == "" || host == "::" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				loopbackCfg.MQTT.Host = host
				loopbackCfg.MQTT.Port, err = strconv.Atoi(port)
				if err != nil {
					return fmt.Errorf("broker port: %w", err)
				}
				return loopback.Connect()
			},
			func() error {
				loopback.Disconnect()
				return nil
			},
		),
		fabricsvc.New(loopback, seed, fabricsvc.NewTokenVerifier(cfg.Fabric.TokenSecret)),
	}

	manager := service.NewManager()
	for _, s := range services {
		if err := manager.Register(s); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.For("fabricd")

	seed, err := fabricsvc.LoadSeed(cfg.Fabric.SeedFile)
	if err != nil {
		return err
	}
	if cfg.Fabric.TokenSecret == "" {
		log.Warn("FABRIC_TOKEN_SECRET is not set, any non-empty access token is accepted")
	}

	manager, err := newManager(cfg, seed)
	if err != nil {
		return err
	}
	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	log.Infof("fabricd running with services %v", manager.List())

	<-ctx.Done()
	log.Info("Shutting down...")
	reportEndpoints(log, manager)
	return manager.StopAll()
}

// reportEndpoints logs the endpoints the fabric service saw during the run.
func reportEndpoints(log logrus.FieldLogger, manager *service.Manager) {
	s, err := manager.Get("fabric")
	if err != nil {
		return
	}
	svc, ok := s.(*fabricsvc.Service)
	if !ok {
		return
	}

	endpoints := svc.Endpoints()
	log.Infof("Served %d endpoints", len(endpoints))
	for _, e := range endpoints {
		user := e.UserID
		if user == "" {
			user = "-"
		}
		log.Infof("Endpoint %s serial %s user %s last seen %s",
			e.ID, e.Profile.SerialNumber, user, e.LastSeen.Format(time.RFC3339))
	}
}
