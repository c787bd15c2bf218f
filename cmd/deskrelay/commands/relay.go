// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/deskrelay/pkg/auth"
	"github.com/n0ot/deskrelay/pkg/broker"
	"github.com/n0ot/deskrelay/pkg/config"
	"github.com/n0ot/deskrelay/pkg/server"
)

var disableTLS bool

// relayCmd represents the relay command
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay, which pairs hosts with controllers",
	Long: `relay runs the session broker.

Hosts register a session ID with the relay,
and controllers who know the secret attach to a session by its ID.
Frames flow from each host to its controller, and input flows back.`,
	PreRun: bindFlags(map[string]string{
		"server.bind":              "bind",
		"http.bind":                "http-bind",
		"server.timeBetweenPings":  "time-between-pings",
		"server.pingsUntilTimeout": "pings-until-timeout",
		"relay.hostConflict":       "host-conflict",
	}),
	RunE: runRelay,
}

func init() {
	RootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringP("bind", "b", "127.0.0.1:8082", "Bind the JSON stream listener to host:port. Empty disables it.")
	relayCmd.Flags().String("http-bind", "0.0.0.0:8081", "Bind the HTTP and WebSocket listener to host:port")
	relayCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	relayCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	relayCmd.Flags().String("host-conflict", string(broker.HostConflictOverwrite), "What happens when a second host registers a session: overwrite, reject or takeover")
	relayCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")
}

// bindFlags binds viper keys to the running command's flags.
// Commands share keys, so this happens once the command is known, not in init.
func bindFlags(keys map[string]string) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		for key, name := range keys {
			viper.BindPFlag(key, cmd.Flags().Lookup(name))
		}
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	b := broker.New(log, cfg.Relay.HostConflict)
	srv := newServer(cfg, log, server.NewRelay(b, log))

	log.WithFields(logrus.Fields{
		"host_conflict": cfg.Relay.HostConflict,
	}).Info("Starting deskrelay relay")
	return serve(cfg, srv, log)
}

func newServer(cfg *config.Config, log *logrus.Logger, service server.Service) *server.Server {
	return &server.Server{
		TimeBetweenPings:  cfg.Server.TimeBetweenPings,
		PingsUntilTimeout: cfg.Server.PingsUntilTimeout,
		MOTD:              cfg.Server.MOTD,
		StatsPassword:     cfg.Server.StatsPassword,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
		Gate:              auth.NewGate(cfg.Secret, cfg.Auth),
		Service:           service,
		Log:               log,
	}
}

// serve runs srv's listeners. It only returns if the TLS key pair can't be loaded;
// failing to bind a listener is fatal.
func serve(cfg *config.Config, srv *server.Server, log *logrus.Logger) error {
	useTLS := cfg.TLS.UseTLS && !disableTLS
	if useTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	go srv.KeepAlive(context.Background())

	if cfg.Server.Bind != "" {
		go func() {
			if useTLS {
				log.Fatal(srv.ListenAndServeTLS(cfg.Server.Bind, "", ""))
			} else {
				log.Fatal(srv.ListenAndServe(cfg.Server.Bind))
			}
		}()
	}

	if useTLS {
		log.Fatal(srv.ListenAndServeHTTPTLS(cfg.HTTP.Bind, "", ""))
	} else {
		log.Fatal(srv.ListenAndServeHTTP(cfg.HTTP.Bind))
	}
	return nil
}
