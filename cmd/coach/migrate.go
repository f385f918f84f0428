package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/service/migration"
	"github.com/zhouzirui/stretch-coach/internal/service/session"
)

func migrateCmd(a *app) *cobra.Command {
	var previousFlag string

	cmd := &cobra.Command{
		Use:   "migrate <username>",
		Short: "Log in and fold the pending anonymous session into the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			api, err := client.New(a.cfg.Client.BaseURL, nil)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			login, err := api.Login(ctx, args[0])
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			coord := session.NewCoordinator(api, store, a.log)
			if _, err := coord.Adopt(ctx, login.Session); err != nil {
				return err
			}

			previous := previousFlag
			if previous == "" {
				previous = coord.PreviousSessionID()
			}

			result := migration.NewCoordinator(api, store, a.log).Migrate(ctx, previous)
			out := cmd.OutOrStdout()
			switch {
			case result.Success && (result.Skipped || result.Notice == ""):
				coord.ForgetPrevious(previous)
				fmt.Fprintln(out, "nothing to migrate")
			case result.Success:
				coord.ForgetPrevious(previous)
				fmt.Fprintln(out, result.Notice)
			default:
				fmt.Fprintln(out, result.Notice)
				return result.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&previousFlag, "previous", "", "migrate this session id instead of the stored one")
	return cmd
}
