package app

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/delivery"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"COURIER_HTTP_ADDR", "COURIER_DATABASE_URL", "COURIER_OVERFLOW_POLICY", "COURIER_WS_ALLOWED_ORIGINS", "COURIER_CATCHUP_LIMIT"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.CatchUpLimit != delivery.DefaultCatchUpLimit {
		t.Fatalf("CatchUpLimit=%d want %d", cfg.CatchUpLimit, delivery.DefaultCatchUpLimit)
	}
	if cfg.DBSchema != "courier" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	want := []string{"http://localhost", "http://127.0.0.1"}
	if !reflect.DeepEqual(cfg.WSAllowedOrigins, want) {
		t.Fatalf("WSAllowedOrigins=%v want %v", cfg.WSAllowedOrigins, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("COURIER_HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("COURIER_SEND_QUEUE", "32")
	t.Setenv("COURIER_OVERFLOW_POLICY", "disconnect")
	t.Setenv("COURIER_CORS_ALLOWED_ORIGINS", " https://a.example.com , ,http://127.0.0.1:* ")
	t.Setenv("COURIER_APPEND_RETRIES", "5")

	cfg := LoadConfig()
	dcfg, err := cfg.deliveryConfig()
	if err != nil {
		t.Fatalf("deliveryConfig: %v", err)
	}
	if dcfg.Registry.HeartbeatTimeout != 45*time.Second {
		t.Fatalf("HeartbeatTimeout=%v", dcfg.Registry.HeartbeatTimeout)
	}
	if dcfg.Registry.SendQueueSize != 32 || dcfg.Registry.Overflow != delivery.Disconnect {
		t.Fatalf("registry cfg=%+v", dcfg.Registry)
	}
	if dcfg.Retry.Attempts != 5 {
		t.Fatalf("Retry.Attempts=%d", dcfg.Retry.Attempts)
	}
	want := []string{"https://a.example.com", "http://127.0.0.1:*"}
	if !reflect.DeepEqual(cfg.CORSAllowedOrigins, want) {
		t.Fatalf("CORSAllowedOrigins=%v want %v", cfg.CORSAllowedOrigins, want)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad overflow", cfg: Config{OverflowPolicy: "explode"}, want: "COURIER_OVERFLOW_POLICY"},
		{name: "readiness without db", cfg: Config{ReadinessRequireDB: true}, want: "COURIER_DATABASE_URL"},
		{name: "sweep slower than heartbeat", cfg: Config{HeartbeatTimeout: time.Second, SweepInterval: 2 * time.Second}, want: "COURIER_SWEEP_INTERVAL"},
		{name: "credentials with wildcard", cfg: Config{CORSAllowCredentials: true, CORSAllowedOrigins: []string{"*"}}, want: "COURIER_CORS_ALLOW_CREDENTIALS"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate()=%v want error mentioning %s", err, tc.want)
			}
		})
	}
}

func TestEnvHelpers_InvalidFallsBack(t *testing.T) {
	t.Setenv("COURIER_TEST_INT", "nope")
	t.Setenv("COURIER_TEST_DUR", "-3s")
	t.Setenv("COURIER_TEST_CSV", "")

	if got := EnvInt("COURIER_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want 7", got)
	}
	if got := EnvDuration("COURIER_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration=%v want 1s", got)
	}
	if got := EnvCSV("COURIER_TEST_CSV", ""); got != nil {
		t.Fatalf("EnvCSV=%v want nil", got)
	}
}
