package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iot-go-garage/pkg/config"
	"github.com/iot-go-garage/pkg/fabricsvc"
	"github.com/iot-go-garage/pkg/garage"
	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt"
)

func newNotifyCmd(cfg *config.Config) *cobra.Command {
	var (
		topicID int64
		state   garage.DoorState
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a door state notification to subscribed endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := fabricsvc.LoadSeed(cfg.Fabric.SeedFile)
			if err != nil {
				return err
			}

			client := mqtt.NewClient(cfg, "fabricd-notify-"+uuid.NewString())
			client.SetLogger(logger.For("notify"))
			if err := client.Connect(); err != nil {
				return fmt.Errorf("failed to reach fabric at %s: %w", cfg.Broker(), err)
			}
			defer client.Disconnect()

			if err := fabricsvc.PublishNotification(client, seed, topicID, state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notified topic %d: open=%t opening=%t closing=%t\n",
				topicID, state.IsOpen, state.IsOpening, state.IsClosing)
			return nil
		},
	}

	cmd.Flags().Int64Var(&topicID, "topic", 1, "notification topic id")
	cmd.Flags().BoolVar(&state.IsOpen, "open", false, "door is open")
	cmd.Flags().BoolVar(&state.IsOpening, "opening", false, "door is opening")
	cmd.Flags().BoolVar(&state.IsClosing, "closing", false, "door is closing")
	return cmd
}
