package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q (dev mode should default to text)", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v (dev mode should default to debug)", cfg.LogLevel)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Errorf("AuthMode = %q", cfg.AuthMode)
	}
	if cfg.RequireToken() {
		t.Errorf("RequireToken() = true with auth mode none")
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("MaxMessageBytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.RestrictRelay {
		t.Errorf("RestrictRelay should default to false")
	}
	if cfg.ICEConfigError() != nil {
		t.Errorf("ICEConfigError = %v", cfg.ICEConfigError())
	}
	if len(cfg.ICEServers) != 0 {
		t.Errorf("ICEServers = %v, want none", cfg.ICEServers)
	}
}

func TestLoad_ProdModeSwitchesLogDefaults(t *testing.T) {
	env := map[string]string{envVarMode: "prod"}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info in prod", cfg.LogLevel)
	}

	// Flag overrides env-derived mode and the log defaults follow.
	cfg, err = load(lookupFrom(nil), []string{"-mode", "prod"})
	if err != nil {
		t.Fatalf("load with -mode: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q after -mode prod", cfg.LogFormat)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarListenAddr:      "127.0.0.1:9999",
		envVarMaxMessageBytes: "1024",
	}
	cfg, err := load(lookupFrom(env), []string{"-listen-addr", "0.0.0.0:8443"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8443" {
		t.Errorf("ListenAddr = %q, flag should win", cfg.ListenAddr)
	}
	if cfg.MaxMessageBytes != 1024 {
		t.Errorf("MaxMessageBytes = %d, env should apply", cfg.MaxMessageBytes)
	}
}

func TestLoad_AuthModeRequirements(t *testing.T) {
	if _, err := load(lookupFrom(map[string]string{envVarAuthMode: "api_key"}), nil); err == nil {
		t.Errorf("api_key mode without key should fail")
	}
	if _, err := load(lookupFrom(map[string]string{envVarAuthMode: "jwt"}), nil); err == nil {
		t.Errorf("jwt mode without secret should fail")
	}

	cfg, err := load(lookupFrom(map[string]string{
		envVarAuthMode:  "jwt",
		envVarJWTSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.RequireToken() {
		t.Errorf("RequireToken() = false with jwt auth")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad mode", env: map[string]string{envVarMode: "staging"}},
		{name: "bad log level", env: map[string]string{envVarLogLevel: "loud"}},
		{name: "bad auth mode", env: map[string]string{envVarAuthMode: "oauth"}},
		{name: "zero message bytes", env: map[string]string{envVarMaxMessageBytes: "0"}},
		{name: "zero messages per second", env: map[string]string{envVarMaxMessagesPerSecond: "0"}},
		{name: "bad shutdown timeout", env: map[string]string{envVarShutdownTimeout: "soon"}},
		{name: "ping >= idle", env: map[string]string{
			envVarWSIdleTimeout:  "10s",
			envVarWSPingInterval: "10s",
		}},
		{name: "bad restrict relay", env: map[string]string{envVarRestrictRelay: "maybe"}},
		{name: "bad origin", env: map[string]string{envVarAllowedOrigins: "example.com"}},
		{name: "turn rest prefix with colon", env: map[string]string{
			envVarTURNRESTSharedSecret:   "s",
			envVarTURNRESTUsernamePrefix: "a:b",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupFrom(tc.env), nil); err == nil {
				t.Fatalf("load accepted %v", tc.env)
			}
		})
	}
}

func TestLoad_Durations(t *testing.T) {
	env := map[string]string{
		envVarWSIdleTimeout:  "90s",
		envVarWSPingInterval: "30s",
		envVarAuthTimeout:    "5s",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WSIdleTimeout != 90*time.Second || cfg.WSPingInterval != 30*time.Second || cfg.AuthTimeout != 5*time.Second {
		t.Fatalf("durations = %v/%v/%v", cfg.WSIdleTimeout, cfg.WSPingInterval, cfg.AuthTimeout)
	}
}

func TestLoad_AllowedOriginsNormalized(t *testing.T) {
	env := map[string]string{
		envVarAllowedOrigins: "HTTPS://App.Example.com:443, *",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "*"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
		}
	}
}

func TestLoad_ICEConfigErrorIsDeferred(t *testing.T) {
	env := map[string]string{
		envICEServersJSON: "not json",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load should defer ICE errors, got %v", err)
	}
	iceErr := cfg.ICEConfigError()
	if iceErr == nil {
		t.Fatalf("ICEConfigError = nil")
	}
	if !strings.Contains(iceErr.Error(), envICEServersJSON) {
		t.Fatalf("ICEConfigError = %v, should name the env var", iceErr)
	}
}
