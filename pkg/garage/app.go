package garage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/logger"
)

// App runs one garage endpoint session from connect to disconnect.
type App struct {
	config  *config.Config
	adapter *Adapter
	input   LineReader
	logger  *logrus.Entry
}

func NewApp(cfg *config.Config, f Fabric, input LineReader) *App {
	return &App{
		config:  cfg,
		adapter: NewAdapter(f),
		input:   input,
		logger:  logger.For("garage"),
	}
}

func (a *App) SetLogger(logger *logrus.Entry) {
	a.logger = logger
	a.adapter.SetLogger(logger)
}

// Run connects, attaches the user for mode and serves commands until the
// user exits. Failures are logged, never returned.
func (a *App) Run(ctx context.Context, mode Mode) {
	a.logger.Info("-- starting garage application --")
	defer a.logger.Info("-- garage application finished --")

	a.adapter.RegisterStateNotificationHandler(func(topicID int64, state DoorState) {
		a.logger.Infof("State updated isOpen=%s, isOpening=%s, isClosing=%s",
			yesNo(state.IsOpen), yesNo(state.IsOpening), yesNo(state.IsClosing))
	})
	a.adapter.RegisterConfigurationHandler(func(cfg Configuration) {
		a.logger.Infof("Configured speed: %d", cfg.Speed)
	})
	// Events can arrive as soon as the attach subscribes the user's topics.
	a.adapter.RegisterEventHandlers(
		func(source string) {
			if mode != ModeDoor {
				return
			}
			a.logger.Infof("Responding to state request from %s", source)
			a.adapter.SendStateResponse(source, DoorState{IsOpen: true})
		},
		func(DoorState) {},
		func(RemoteCommand) {},
	)

	if err := a.adapter.Connect(ctx); err != nil {
		a.logger.Errorf("Failed to connect to fabric: %v", err)
		return
	}

	a.showConfiguration()
	a.adapter.ShowTopicList()

	externalID := mode.String() + a.config.Identity.ExternalIDSuffix
	if err := a.adapter.AttachIdentity(ctx, externalID, a.config.Identity.AccessToken); err != nil {
		a.logger.Warnf("Attaching user failed: %v", err)
		a.adapter.Disconnect()
		return
	}

	if mode == ModeDoor || mode == ModeRemote {
		loop := NewLoop(mode, a.input, a.adapter)
		loop.SetLogger(a.logger)
		loop.SetExitOnEOF(a.config.App.ExitOnEOF)
		loop.Run()
	}

	a.adapter.Disconnect()
}

func (a *App) showConfiguration() {
	cfg, err := a.adapter.Configuration()
	if err != nil {
		a.logger.Warnf("Configuration unavailable: %v", err)
		return
	}
	a.logger.Infof("Configured speed: %d", cfg.Speed)
}
