// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/howeyc/gopass"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/deskrelay/pkg/broker"
	"github.com/n0ot/deskrelay/pkg/config"
	"github.com/n0ot/deskrelay/pkg/server"
)

var (
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
	queryLocalRelay        bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [url]",
	Short: "Print stats from a deskrelay server",
	Long: `stats queries a deskrelay host or relay for running stats.

If the URL is omitted, the local server is queried: the host on port 8080 in direct mode,
or the relay on port 8081 in relayed mode or with --relay.
http.bind in the config file overrides the port.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var baseURL string
		if len(args) > 0 {
			baseURL = args[0]
			if strings.HasPrefix(baseURL, "http://") {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			baseURL = localStatsURL(viper.GetViper(), queryLocalRelay)
			if viper.GetBool("tls.useTls") {
				skipTLSVerification = true
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
			statsPassword = viper.GetString("server.statsPassword")
		}
		return getStats(baseURL)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVar(&queryLocalRelay, "relay", false, "query the local relay, rather than the local host, when no URL is given")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")
}

// localStatsURL is the URL of the server configured in v on this machine.
// The relay and a direct host listen on different ports by default.
func localStatsURL(v *viper.Viper, relay bool) string {
	port := "8080"
	if relay || config.Mode(strings.ToLower(v.GetString("mode"))) == config.ModeRelayed {
		port = "8081"
	}
	host := "127.0.0.1"
	if v.IsSet("http.bind") {
		if h, p, err := net.SplitHostPort(v.GetString("http.bind")); err == nil {
			port = p
			if ip := net.ParseIP(h); ip != nil && !ip.IsUnspecified() {
				host = h
			}
		}
	}

	scheme := "http"
	if v.GetBool("tls.useTls") {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// statsResponse is a server.StatsResponse with either service's stats.
type statsResponse struct {
	Server  server.Stats `json:"server"`
	Service struct {
		Broker   *broker.Stats        `json:"broker"`
		Sessions []broker.SessionInfo `json:"sessions"`
		Viewers  *int                 `json:"viewers"`
	} `json:"service"`
}

func getStats(baseURL string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = viper.GetString("server.statsPassword")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	var certPool *x509.CertPool
	if statsServerCertificate != "" {
		cert, err := ioutil.ReadFile(statsServerCertificate)
		if err != nil {
			return errors.Wrap(err, "Open server certificate")
		}
		certPool = x509.NewCertPool()
		certPool.AppendCertsFromPEM(cert)
	}
	// The server delays its answer to a wrong password.
	client := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		},
	}

	req, err := http.NewRequest("GET", strings.TrimSuffix(baseURL, "/")+"/stats", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+statsPassword)
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to deskrelay server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(resp.Body)
		return errors.Errorf("Server returned an error: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from server")
	}

	fmt.Printf(`Stats for %s:
Uptime: %s
Number of clients: %d (%d authenticated)
Max clients: %d on %s
Frames dropped for slow clients: %d
`, baseURL, stats.Server.Uptime,
		stats.Server.NumClients, stats.Server.NumAuthenticated,
		stats.Server.MaxClients, stats.Server.MaxClientsTime,
		stats.Server.FramesDropped)

	if b := stats.Service.Broker; b != nil {
		fmt.Printf(`
Number of sessions: %d (%d with a controller)
Max sessions: %d on %s
Host conflict policy: %s
`, b.NumSessions, b.NumControlled,
			b.MaxSessions, b.MaxSessionsTime,
			b.HostConflictPolicy)
		for _, s := range stats.Service.Sessions {
			fmt.Printf("  %s: created %s, controller: %t, %d frames, %d input events\n",
				s.ID, s.CreatedAt.Format(time.RFC3339), s.HasController, s.FramesForwarded, s.InputsForwarded)
		}
	}
	if stats.Service.Viewers != nil {
		fmt.Printf("\nNumber of viewers: %d\n", *stats.Service.Viewers)
	}
	return nil
}
