package escrowd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btcescrow/native/escrow"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "escrowd.yaml", `
auth:
  jwt_secret: s3cret
escrow:
  grace_window: 45s
  confirmations: 2
payout:
  fee_bps: 0
  payees:
    bob: bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8085", cfg.Listen)
	require.Equal(t, BackendSimulated, cfg.Rail.Backend)
	require.Equal(t, 45*time.Second, cfg.Escrow.GraceWindow.Duration)
	require.Equal(t, 2, cfg.Escrow.Confirmations)
	require.Equal(t, 15*time.Minute, cfg.Escrow.LightningExpiry.Duration)
	require.Equal(t, "onchain", cfg.Payout.Method)
	require.Contains(t, cfg.RateLimits, routeCallback)

	policy := cfg.Policy()
	require.Equal(t, 45*time.Second, policy.GraceWindow)
	require.Equal(t, escrow.DefaultStalenessWindow, policy.StalenessWindow)
	require.Equal(t, escrow.DefaultMaxReprompts, policy.MaxReprompts)
	require.Zero(t, policy.FeeBps, "an explicit zero fee is kept")
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "escrowd.toml", `
listen = ":9000"

[auth]
jwt_secret = "s3cret"
issuer = "btcescrow"

[escrow]
late_window = "2h"
max_reprompts = 0

[callbacks.secrets]
btcpay = "hook-secret"

[reports]
enabled = true
hour_utc = 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "btcescrow", cfg.Auth.Issuer)
	require.Equal(t, 2*time.Hour, cfg.Escrow.LateWindow.Duration)
	require.NotNil(t, cfg.Escrow.MaxReprompts)
	require.Zero(t, *cfg.Escrow.MaxReprompts)
	require.Equal(t, "hook-secret", cfg.Callbacks.Secrets["btcpay"])
	require.True(t, cfg.Reports.Enabled)
	require.Equal(t, 3, cfg.Reports.HourUTC)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "escrowd.yaml", "auth:\n  jwt_secret: from-file\n")
	t.Setenv("ESCROWD_JWT_SECRET", "from-env")
	t.Setenv("ESCROWD_LISTEN", "127.0.0.1:7000")
	t.Setenv("ESCROWD_FEE_BPS", "250")
	t.Setenv("ESCROWD_CONFIRMATIONS", "6")
	t.Setenv("ESCROWD_GRACE_WINDOW", "1m")
	t.Setenv("ESCROWD_CALLBACK_SECRETS", "rail-a=one, rail-b=two")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, "127.0.0.1:7000", cfg.Listen)
	require.EqualValues(t, 250, *cfg.Payout.FeeBps)
	require.Equal(t, 6, cfg.Escrow.Confirmations)
	require.Equal(t, time.Minute, cfg.Escrow.GraceWindow.Duration)
	require.Equal(t, map[string]string{"rail-a": "one", "rail-b": "two"}, cfg.Callbacks.Secrets)

	t.Setenv("ESCROWD_CALLBACK_SECRETS", "missing-separator")
	_, err = LoadConfig(path)
	require.ErrorContains(t, err, "CALLBACK_SECRETS")
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing secret":      "listen: ':1'\n",
		"unknown backend":     "auth: {jwt_secret: x}\nrail: {backend: lnd}\n",
		"btcpay incomplete":   "auth: {jwt_secret: x}\nrail: {backend: btcpay, btcpay: {url: 'https://pay.example'}}\n",
		"fee too high":        "auth: {jwt_secret: x}\npayout: {fee_bps: 20000}\n",
		"bad payout method":   "auth: {jwt_secret: x}\npayout: {method: paypal}\n",
		"too many confs":      "auth: {jwt_secret: x}\nescrow: {confirmations: 500}\n",
		"bad report hour":     "auth: {jwt_secret: x}\nreports: {hour_utc: 24}\n",
		"zero rate limit":     "auth: {jwt_secret: x}\nrate_limits: {invoices.create: {requests_per_minute: 0, burst: 1}}\n",
		"non string duration": "auth: {jwt_secret: x}\nescrow: {grace_window: 30}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "escrowd.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigBTCPayKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_BTCPAY_KEY", "token-123")
	path := writeConfig(t, "escrowd.yml", `
auth: {jwt_secret: x}
rail:
  backend: BTCPay
  btcpay:
    url: https://pay.example
    store_id: store-1
    api_key_env: TEST_BTCPAY_KEY
callbacks:
  secrets: {btcpay: hook}
payout:
  fee_destination: bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, BackendBTCPay, cfg.Rail.Backend)
	require.Equal(t, "token-123", cfg.Rail.BTCPay.APIKey)
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ESCROWD_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("ESCROWD_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("ESCROWD_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envFile))
	require.Equal(t, "loaded", os.Getenv("ESCROWD_TEST_DOTENV"))
}
