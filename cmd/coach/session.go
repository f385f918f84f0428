package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/service/session"
)

func sessionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Resolve and print the session this device belongs to",
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

			coord := session.NewCoordinator(api, store, a.log)
			sess, err := coord.Resolve(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:  %s\nkind:     %s\n", sess.ID, sess.Kind)
			if sess.Owner != nil {
				fmt.Fprintf(out, "user:     %s\n", sess.Owner.Username)
			}
			if prev := coord.PreviousSessionID(); prev != "" {
				fmt.Fprintf(out, "previous: %s (pending migration)\n", prev)
			}
			return nil
		},
	}
}
