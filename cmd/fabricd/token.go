package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iot-go-garage/pkg/auth"
	"github.com/iot-go-garage/pkg/config"
)

func newTokenCmd(cfg *config.Config) *cobra.Command {
	var (
		externalID string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for an external id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Fabric.TokenSecret == "" {
				return errors.New("FABRIC_TOKEN_SECRET must be set to issue tokens")
			}
			token, err := auth.IssueAccessToken(cfg.Fabric.TokenSecret, externalID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&externalID, "external-id", "", "external id the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 for no expiry")
	cmd.MarkFlagRequired("external-id")
	return cmd
}
