package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.RateLimit.Defaults.MaxConcurrent)
	assert.Equal(t, 10, cfg.RateLimit.Defaults.MaxPerHour)
	assert.Equal(t, 50, cfg.RateLimit.Defaults.MaxPerDay)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.ConcurrencyRetryAfter)
	assert.Equal(t, time.Minute, cfg.Reconciler.Interval)
	assert.Equal(t, "launchpad_deployment_events", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "LAUNCHPAD_KEY_", cfg.Keys.EnvPrefix)
}

func TestParseFileAndEnvironment(t *testing.T) {
	path := writeFile(t, "config.yaml", `
http:
  port: 9000
database:
  driver: postgres
  dsn: postgres://localhost/launchpad
rate_limit:
  defaults:
    max_concurrent: 1
  overrides:
    vip:
      max_concurrent: 10
      max_per_hour: 100
      max_per_day: 1000
notifications:
  max_per_user: 20
`)
	t.Setenv("LAUNCHPAD_HTTP_PORT", "9100")
	t.Setenv("LAUNCHPAD_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Parse(New(), path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 1, cfg.RateLimit.Defaults.MaxConcurrent)
	assert.Equal(t, 10, cfg.RateLimit.Defaults.MaxPerHour)
	assert.Equal(t, 10, cfg.RateLimit.Overrides["vip"].MaxConcurrent)
	assert.Equal(t, 20, cfg.Notifications.MaxPerUser)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	_, err := Parse(New(), writeFile(t, "config.yaml", "database:\n  driver: mysql\n"))
	assert.Error(t, err)

	_, err = Parse(New(), writeFile(t, "config.yaml", "rate_limit:\n  defaults:\n    max_per_day: -1\n"))
	assert.Error(t, err)

	_, err = Parse(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.Int("port", 8080, "")
	flags.String("networks", "", "")
	require.NoError(t, flags.Parse([]string{"--port", "7000", "--networks", "networks.yaml"}))

	v := New()
	require.NoError(t, BindFlags(v, flags))
	cfg, err := Parse(v, "")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "networks.yaml", cfg.NetworksFile)
}

const networksYAML = `
networks:
  - name: sepolia
    blockchain: ethereum
    environment: testnet
    chain_id: "11155111"
    rpc_url: https://sepolia.example.org/${SEPOLIA_KEY}
    confirmations: 3
    explorer_api_url: https://api-sepolia.etherscan.io/api
    explorer_api_key: ${ETHERSCAN_KEY}
    poll_interval: 4s
    rps: 5
  - name: mainnet
    blockchain: ethereum
    environment: mainnet
    chain_id: "1"
    rpc_url: https://mainnet.example.org
    disabled: true
`

func TestParseNetworks(t *testing.T) {
	t.Setenv("SEPOLIA_KEY", "abc")
	t.Setenv("ETHERSCAN_KEY", "secret")

	chains, err := ParseNetworks(strings.NewReader(networksYAML))
	require.NoError(t, err)
	require.Len(t, chains, 2)

	sepolia := chains[0]
	assert.Equal(t, "ethereum", sepolia.Blockchain)
	assert.Equal(t, models.EnvironmentTestnet, sepolia.Environment)
	assert.Equal(t, "11155111", sepolia.NetworkID)
	assert.Equal(t, "https://sepolia.example.org/abc", sepolia.RPC)
	assert.Equal(t, "secret", sepolia.ExplorerAPIKey)
	assert.Equal(t, 4, sepolia.PollIntervalSeconds)
	assert.Equal(t, uint64(3), sepolia.Confirmations)
	assert.True(t, sepolia.IsActive)
	assert.False(t, chains[1].IsActive)
}

func TestParseNetworksIsStrict(t *testing.T) {
	_, err := ParseNetworks(strings.NewReader(`
networks:
  - name: sepolia
    blockchain: ethereum
    environment: testnet
    chain_id: "11155111"
    rpc_url: https://sepolia.example.org
    confirmation: 3
`))
	assert.Error(t, err)

	_, err = ParseNetworks(strings.NewReader(`
networks:
  - name: sepolia
    blockchain: ethereum
    environment: staging
    chain_id: "11155111"
    rpc_url: https://sepolia.example.org
`))
	assert.Error(t, err)
}

func TestParseNetworksRejectsDuplicates(t *testing.T) {
	_, err := ParseNetworks(strings.NewReader(`
networks:
  - name: a
    blockchain: ethereum
    environment: testnet
    chain_id: "5"
    rpc_url: https://a.example.org
  - name: b
    blockchain: ethereum
    environment: testnet
    chain_id: "11155111"
    rpc_url: https://b.example.org
`))
	assert.ErrorContains(t, err, "both serve ethereum/testnet")
}

func TestLoadNetworksMissingFile(t *testing.T) {
	_, err := LoadNetworks(filepath.Join(t.TempDir(), "networks.yaml"))
	assert.Error(t, err)
}
