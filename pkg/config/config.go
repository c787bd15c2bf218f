// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package config loads deskrelay's settings from viper.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/n0ot/deskrelay/pkg/auth"
	"github.com/n0ot/deskrelay/pkg/broker"
)

// EnvPrefix prefixes every environment variable deskrelay reads.
// A key like frame.quality is read from DESKRELAY_FRAME_QUALITY.
const EnvPrefix = "DESKRELAY"

// Mode selects how a host serves its screen.
type Mode string

const (
	// ModeDirect serves viewers on the local network.
	ModeDirect Mode = "direct"
	// ModeRelayed dials out to a relay, and registers a session there.
	ModeRelayed Mode = "relayed"
)

// Config holds every setting of a deskrelay process.
type Config struct {
	Secret string
	Mode   Mode

	Frame   FrameConfig
	Capture CaptureConfig
	Relay   RelayConfig
	Session SessionConfig
	Server  ServerConfig
	HTTP    HTTPConfig
	Auth    auth.Policy
	Direct  DirectConfig
	TLS     TLSConfig

	LogLevel logrus.Level
}

// FrameConfig controls frame encoding.
type FrameConfig struct {
	Quality           int
	Scale             float64
	ScreenshotQuality int
}

// CaptureConfig controls the capture loop.
type CaptureConfig struct {
	Interval time.Duration
}

// RelayConfig holds the relay's address for relayed hosts, and the relay's own policy.
type RelayConfig struct {
	URL          string
	HostConflict broker.HostConflictPolicy
}

// SessionConfig names the session a relayed host registers.
type SessionConfig struct {
	// ID may be empty, in which case the host generates one.
	ID string
}

// ServerConfig controls the TCP JSON stream listener, and connection housekeeping.
type ServerConfig struct {
	// Bind is the TCP stream's host:port. If empty, the stream listener is disabled.
	Bind              string
	TimeBetweenPings  time.Duration
	PingsUntilTimeout int
	StatsPassword     string
	MOTD              string

	// MaxMessageSize bounds each message an authenticated client sends, in bytes.
	MaxMessageSize int64
}

// HTTPConfig controls the HTTP listener serving WebSockets, auth, health, metrics and stats.
type HTTPConfig struct {
	Bind string
}

// DirectConfig controls direct mode.
type DirectConfig struct {
	// MaxViewers limits how many connections may subscribe at once. 0 means no limit.
	MaxViewers int
}

// TLSConfig enables TLS on the listeners.
type TLSConfig struct {
	UseTLS   bool
	CertFile string
	KeyFile  string
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeDirect))
	v.SetDefault("frame.quality", 50)
	v.SetDefault("frame.scale", 0.8)
	v.SetDefault("frame.screenshotQuality", 90)
	v.SetDefault("capture.interval", 0.05)
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.hostConflict", string(broker.HostConflictOverwrite))
	v.SetDefault("session.id", "")
	v.SetDefault("server.bind", "127.0.0.1:8082")
	v.SetDefault("server.timeBetweenPings", 30)
	v.SetDefault("server.pingsUntilTimeout", 2)
	v.SetDefault("server.statsPassword", "")
	v.SetDefault("server.motd", "")
	v.SetDefault("server.maxMessageSize", 16<<20)
	v.SetDefault("auth.maxFailures", auth.DefaultPolicy.MaxFailures)
	v.SetDefault("auth.baseDelay", auth.DefaultPolicy.BaseDelay.Seconds())
	v.SetDefault("auth.maxDelay", auth.DefaultPolicy.MaxDelay.Seconds())
	v.SetDefault("auth.lockout", auth.DefaultPolicy.Lockout.Seconds())
	v.SetDefault("direct.maxViewers", 0)
	v.SetDefault("tls.useTls", false)
	v.SetDefault("tls.certFile", "")
	v.SetDefault("tls.keyFile", "")
	v.SetDefault("log.level", "info")
}

// BindEnv makes v read DESKRELAY_* environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	v.BindEnv("secret")
}

// Load reads a Config from v, and validates it.
// Durations are configured in (possibly fractional) seconds.
func Load(v *viper.Viper) (*Config, error) {
	policy, err := broker.ParseHostConflictPolicy(v.GetString("relay.hostConflict"))
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}

	cfg := &Config{
		Secret: v.GetString("secret"),
		Mode:   Mode(strings.ToLower(v.GetString("mode"))),
		Frame: FrameConfig{
			Quality:           v.GetInt("frame.quality"),
			Scale:             v.GetFloat64("frame.scale"),
			ScreenshotQuality: v.GetInt("frame.screenshotQuality"),
		},
		Capture: CaptureConfig{
			Interval: seconds(v.GetFloat64("capture.interval")),
		},
		Relay: RelayConfig{
			URL:          v.GetString("relay.url"),
			HostConflict: policy,
		},
		Session: SessionConfig{
			ID: v.GetString("session.id"),
		},
		Server: ServerConfig{
			Bind:              v.GetString("server.bind"),
			TimeBetweenPings:  seconds(v.GetFloat64("server.timeBetweenPings")),
			PingsUntilTimeout: v.GetInt("server.pingsUntilTimeout"),
			StatsPassword:     v.GetString("server.statsPassword"),
			MOTD:              strings.TrimSpace(v.GetString("server.motd")),
			MaxMessageSize:    v.GetInt64("server.maxMessageSize"),
		},
		HTTP: HTTPConfig{
			Bind: v.GetString("http.bind"),
		},
		Auth: auth.Policy{
			MaxFailures: v.GetInt("auth.maxFailures"),
			BaseDelay:   seconds(v.GetFloat64("auth.baseDelay")),
			MaxDelay:    seconds(v.GetFloat64("auth.maxDelay")),
			Lockout:     seconds(v.GetFloat64("auth.lockout")),
		},
		Direct: DirectConfig{
			MaxViewers: v.GetInt("direct.maxViewers"),
		},
		TLS: TLSConfig{
			UseTLS:   v.GetBool("tls.useTls"),
			CertFile: os.ExpandEnv(v.GetString("tls.certFile")),
			KeyFile:  os.ExpandEnv(v.GetString("tls.keyFile")),
		},
		LogLevel: level,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings which apply to every command.
func (cfg *Config) Validate() error {
	if cfg.Secret == "" {
		return errors.New("A secret is required; set secret in the config file, or " + EnvPrefix + "_SECRET")
	}
	if cfg.Frame.Quality < 1 || cfg.Frame.Quality > 100 {
		return errors.Errorf("frame.quality must be between 1 and 100, got %d", cfg.Frame.Quality)
	}
	if cfg.Frame.ScreenshotQuality < 1 || cfg.Frame.ScreenshotQuality > 100 {
		return errors.Errorf("frame.screenshotQuality must be between 1 and 100, got %d", cfg.Frame.ScreenshotQuality)
	}
	if cfg.Frame.Scale <= 0 || cfg.Frame.Scale > 1 {
		return errors.Errorf("frame.scale must be greater than 0 and at most 1, got %g", cfg.Frame.Scale)
	}
	if cfg.Capture.Interval <= 0 {
		return errors.Errorf("capture.interval must be positive, got %s", cfg.Capture.Interval)
	}
	switch cfg.Mode {
	case ModeDirect, ModeRelayed:
	default:
		return errors.Errorf("mode must be direct or relayed, got %q", cfg.Mode)
	}
	if cfg.Server.TimeBetweenPings < 0 || cfg.Server.PingsUntilTimeout < 0 {
		return errors.New("server.timeBetweenPings and server.pingsUntilTimeout must not be negative")
	}
	if cfg.Server.MaxMessageSize <= 0 {
		return errors.Errorf("server.maxMessageSize must be positive, got %d", cfg.Server.MaxMessageSize)
	}
	if cfg.Direct.MaxViewers < 0 {
		return errors.Errorf("direct.maxViewers must not be negative, got %d", cfg.Direct.MaxViewers)
	}
	if cfg.TLS.UseTLS && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return errors.New("tls.useTls requires tls.certFile and tls.keyFile")
	}
	return nil
}

// ValidateRelayed checks the settings a relayed host needs.
func (cfg *Config) ValidateRelayed() error {
	if cfg.Relay.URL == "" {
		return errors.New("relay.url is required in relayed mode")
	}
	u, err := url.Parse(cfg.Relay.URL)
	if err != nil {
		return errors.Wrap(err, "relay.url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("relay.url must be a ws:// or wss:// URL, got %q", cfg.Relay.URL)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
