package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/relay"
	"github.com/zhouzirui/stretch-coach/internal/reveal"
	"github.com/zhouzirui/stretch-coach/internal/service/conversation"
)

func chatCmd(a *app) *cobra.Command {
	var metricsAddr string
	var relayAddr string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive coaching chat (/login <name>, /session, /quit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conv, store, err := a.newEngine(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			defer conv.Close()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				go a.serveAux(ctx, "metrics", metricsAddr, promhttp.Handler())
			}
			if relayAddr != "" {
				server := relay.NewServer(conv.Bus(), a.log)
				defer server.Close()
				go a.serveAux(ctx, "relay", relayAddr, server)
			}

			out := cmd.OutOrStdout()
			renderCtx, stopRender := context.WithCancel(ctx)
			renderDone := make(chan struct{})
			msgs, unsubscribe := conv.Subscribe()
			go func() {
				defer close(renderDone)
				newRenderer(out).run(renderCtx, msgs, conv.Updates())
			}()
			defer func() {
				stopRender()
				unsubscribe()
				<-renderDone
			}()

			if err := conv.Start(ctx); err != nil {
				a.log.Error().Err(err).Msg("conversation start failed")
			}
			return repl(ctx, conv, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&relayAddr, "relay-addr", "", "let other views attach over WebSocket on this address")
	return cmd
}

func repl(ctx context.Context, conv *conversation.Conversation, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, conv, line, out); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv *conversation.Conversation, line string, out io.Writer) bool {
	switch {
	case line == "/quit" || line == "/exit":
		return true
	case strings.HasPrefix(line, "/login"):
		username := strings.TrimSpace(strings.TrimPrefix(line, "/login"))
		if username == "" {
			fmt.Fprintln(out, "usage: /login <username>")
			return false
		}
		result, err := conv.Login(ctx, username)
		if err != nil {
			fmt.Fprintln(out, "login failed:", err)
			return false
		}
		if !result.Success && result.Notice != "" {
			fmt.Fprintf(out, "(%s)\n", result.Notice)
		}
		return false
	case line == "/session":
		if sess, ok := conv.Session(); ok {
			fmt.Fprintf(out, "session %s (%s)\n", sess.ID, sess.Kind)
		}
		return false
	default:
		// Failures already arrive as assistant messages.
		_ = conv.Send(ctx, line)
		return false
	}
}

// renderer prints transcript messages, streaming assistant replies as their
// reveal updates arrive.
type renderer struct {
	out      io.Writer
	partial  map[int64]string
	finished map[int64]bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:      out,
		partial:  make(map[int64]string),
		finished: make(map[int64]bool),
	}
}

func (r *renderer) run(ctx context.Context, msgs <-chan chat.Message, updates <-chan reveal.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			r.message(msg)
		case u := <-updates:
			r.update(u)
		}
	}
}

func (r *renderer) update(u reveal.Update) {
	if r.finished[u.MessageID] {
		return
	}
	shown, started := r.partial[u.MessageID]
	if !started {
		fmt.Fprint(r.out, "coach> ")
	}
	if strings.HasPrefix(u.Text, shown) {
		fmt.Fprint(r.out, u.Text[len(shown):])
		r.partial[u.MessageID] = u.Text
	}
}

func (r *renderer) message(msg chat.Message) {
	if msg.Sender == chat.SenderUser {
		return
	}

	shown, started := r.partial[msg.ID]
	switch {
	case !started:
		fmt.Fprintln(r.out, "coach>", msg.Content)
	case strings.HasPrefix(msg.Content, shown):
		fmt.Fprintln(r.out, msg.Content[len(shown):])
	default:
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, "coach>", msg.Content)
	}
	delete(r.partial, msg.ID)
	r.finished[msg.ID] = true

	if msg.Has(chat.AnnotationSignupOffer) {
		fmt.Fprintln(r.out, "       (/login <이름> 으로 기록을 저장할 수 있어요)")
	}
}

func (a *app) serveAux(ctx context.Context, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h}
	a.log.Info().Str("addr", addr).Msgf("%s listening", name)
	if err := runServer(ctx, srv); err != nil {
		a.log.Error().Err(err).Msgf("%s server error", name)
	}
}
