package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/webrtcpeer"
)

type peerOptions struct {
	url       string
	lobby     string
	sealAfter time.Duration
	message   string
	stunURLs  string
	logLevel  string
}

func newPeerCmd() *cobra.Command {
	var opts peerOptions
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join or host a lobby and open data channels to every member",
		Long: `peer connects to a relay as a lobby member. Without --lobby it hosts a new
lobby and prints its code. Each member opens a WebRTC data channel to every
other member and sends --message once the channel is open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, cmd, opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:9080/", "Relay WebSocket URL")
	fs.StringVar(&opts.lobby, "lobby", "", "Lobby code to join (empty hosts a new lobby)")
	fs.DurationVar(&opts.sealAfter, "seal-after", 0, "When hosting, seal the lobby after this long (0 never seals)")
	fs.StringVar(&opts.message, "message", "hello", "Text sent to each peer once its data channel opens")
	fs.StringVar(&opts.stunURLs, "stun-urls", "", "Comma-separated STUN URLs")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func runPeer(ctx context.Context, cmd *cobra.Command, opts peerOptions) error {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", opts.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	iceServers, err := config.ICEServersFromURLs(opts.stunURLs, "", "", "")
	if err != nil {
		return err
	}

	c, err := client.Dial(ctx, opts.url, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var mesh *webrtcpeer.Mesh
	mesh, err = webrtcpeer.NewMesh(webrtcpeer.MeshConfig{
		API:        webrtcpeer.NewAPI(webrtcpeer.APIConfig{}),
		ICEServers: iceServers,
		Signaler:   c,
		Logger:     logger,
		OnOpen: func(peer uint32) {
			logger.Info("datachannel open", "peer", peer)
			if opts.message != "" {
				if err := mesh.Send(peer, []byte(opts.message)); err != nil {
					logger.Warn("send failed", "peer", peer, "err", err)
				}
			}
		},
		OnMessage: func(peer uint32, data []byte) {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", peer, data)
		},
		OnClose: func(peer uint32) {
			logger.Info("peer left", "peer", peer)
		},
	})
	if err != nil {
		return err
	}
	defer mesh.Close()

	if opts.lobby == "" {
		err = c.Host()
	} else {
		err = c.Join(strings.ToUpper(strings.TrimSpace(opts.lobby)))
	}
	if err != nil {
		return err
	}

	events := make(chan client.Event, 64)
	go func() {
		defer close(events)
		for ev := range c.Events() {
			switch ev.Kind {
			case client.EventJoined:
				fmt.Fprintf(cmd.OutOrStdout(), "lobby %s\n", ev.Lobby)
				if opts.lobby == "" && opts.sealAfter > 0 {
					time.AfterFunc(opts.sealAfter, func() {
						if err := c.Seal(); err != nil {
							logger.Warn("seal failed", "err", err)
						}
					})
				}
			case client.EventSealed:
				logger.Info("lobby sealed")
			case client.EventID:
				logger.Info("assigned id", "id", ev.Peer)
			}
			events <- ev
		}
	}()

	runErr := mesh.Run(ctx, events)
	if runErr != nil {
		// Interrupted: leave politely.
		return nil
	}

	err = c.Err()
	switch code := client.CloseCode(err); {
	case code == websocket.CloseNormalClosure:
		return nil
	case code != 0:
		return fmt.Errorf("relay closed the connection: %s", closeText(err))
	default:
		return err
	}
}

func closeText(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return strconv.Itoa(ce.Code) + " " + ce.Text
	}
	return err.Error()
}
