// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/n0ot/deskrelay/pkg/agent"
	"github.com/n0ot/deskrelay/pkg/capture"
	"github.com/n0ot/deskrelay/pkg/config"
	"github.com/n0ot/deskrelay/pkg/direct"
	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/n0ot/deskrelay/pkg/server"
)

// Size of the synthetic screen, until a platform capture source is plugged in.
const (
	screenWidth  = 1280
	screenHeight = 720
)

// hostCmd represents the host command
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Share this machine's screen and input",
	Long: `host serves this machine's screen, and performs input sent by its viewers.

In direct mode, viewers on the local network connect to this host,
subscribe to frames, and send input.
In relayed mode, the host dials out to a relay, and registers a session
which one controller at a time can attach to.`,
	PreRun: bindFlags(map[string]string{
		"mode":                     "mode",
		"relay.url":                "relay-url",
		"session.id":               "session-id",
		"server.bind":              "bind",
		"http.bind":                "http-bind",
		"server.timeBetweenPings":  "time-between-pings",
		"server.pingsUntilTimeout": "pings-until-timeout",
		"direct.maxViewers":        "max-viewers",
	}),
	RunE: runHost,
}

func init() {
	RootCmd.AddCommand(hostCmd)

	hostCmd.Flags().StringP("mode", "m", string(config.ModeDirect), "direct, or relayed")
	hostCmd.Flags().StringP("relay-url", "r", "", "WebSocket URL of the relay in relayed mode, such as wss://relay.example.com/ws")
	hostCmd.Flags().StringP("session-id", "s", "", "Session ID to register with the relay (default is a random ID)")
	hostCmd.Flags().StringP("bind", "b", "127.0.0.1:8082", "Bind the JSON stream listener to host:port in direct mode. Empty disables it.")
	hostCmd.Flags().String("http-bind", "0.0.0.0:8080", "Bind the HTTP and WebSocket listener to host:port in direct mode")
	hostCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	hostCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	hostCmd.Flags().Int("max-viewers", 0, "Maximum number of subscribed viewers in direct mode (0 is unlimited)")
	hostCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	source := capture.NewPattern(screenWidth, screenHeight)
	capturer := &capture.JPEGCapturer{
		Source:  source,
		Quality: cfg.Frame.Quality,
		Scale:   cfg.Frame.Scale,
	}
	dispatcher := &input.Dispatcher{
		Injector: input.LogInjector{Log: log},
		Scale:    cfg.Frame.Scale,
		Log:      log,
	}

	log.WithFields(logrus.Fields{
		"mode":    cfg.Mode,
		"quality": cfg.Frame.Quality,
		"scale":   cfg.Frame.Scale,
	}).Info("Starting deskrelay host")

	if cfg.Mode == config.ModeRelayed {
		return runRelayedHost(cfg, log, capturer, dispatcher)
	}

	ch := &direct.Channel{
		Capturer:    capturer,
		Screenshots: capturer.WithQuality(cfg.Frame.ScreenshotQuality),
		Interval:    cfg.Capture.Interval,
		Broadcast:   direct.NewBroadcast(cfg.Direct.MaxViewers),
		Log:         log,
	}
	go ch.Run(context.Background())

	srv := newServer(cfg, log, server.NewDirect(ch, dispatcher, log))
	return serve(cfg, srv, log)
}

func runRelayedHost(cfg *config.Config, log *logrus.Logger, capturer capture.Capturer, dispatcher *input.Dispatcher) error {
	if err := cfg.ValidateRelayed(); err != nil {
		return err
	}

	a := &agent.Agent{
		URL:        cfg.Relay.URL,
		Secret:     cfg.Secret,
		SessionID:  cfg.Session.ID,
		Capturer:   capturer,
		Dispatcher: dispatcher,
		Interval:   cfg.Capture.Interval,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		Log: log,
	}
	return a.Run(context.Background())
}
