package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/stretch-coach/internal/bus"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/relay"
)

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <ws-url>",
		Short: "Attach to a running chat's relay and print its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			local := bus.New(bus.Options{Window: a.cfg.Engine.DedupWindow}, a.log)
			msgs, unsubscribe := local.Subscribe(32)
			defer unsubscribe()

			peer, err := relay.Dial(ctx, args[0], local, a.log)
			if err != nil {
				return fmt.Errorf("attach to relay: %w", err)
			}
			defer peer.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-peer.Done():
					fmt.Fprintln(out, "relay closed")
					return nil
				case msg := <-msgs:
					who := "coach>"
					if msg.Sender == chat.SenderUser {
						who = "you>  "
					}
					fmt.Fprintln(out, who, msg.Content)
				}
			}
		},
	}
}
