package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/fabric"
	"github.com/iot-go-garage/pkg/garage"
	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		logrus.Errorf("Failed to load configuration: %v", err)
		return
	}
	if err := logger.Init(cfg.App.LogLevel, os.Stdout); err != nil {
		logrus.Errorf("Invalid log level %q: %v", cfg.App.LogLevel, err)
		return
	}
	log := logger.For("garage")

	mode, ok := garage.ParseMode(os.Args[1:], log)
	if !ok {
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Errorf("Invalid configuration: %v", err)
		return
	}

	profile := fabric.Profile{
		SerialNumber:    cfg.Serial(mode.String()),
		Platform:        "Go",
		FirmwareVersion: cfg.Profile.FirmwareVersion,
	}
	transport := mqtt.NewClient(cfg, cfg.EndpointID(profile.SerialNumber))
	client := fabric.NewClient(cfg, transport, profile)

	garage.NewApp(cfg, client, garage.NewLineReader(os.Stdin)).Run(context.Background(), mode)
}
