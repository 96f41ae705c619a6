package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/rxtech-lab/launchpad-deployer/internal/api/middleware"
	"github.com/rxtech-lab/launchpad-deployer/internal/config"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/server"
	"github.com/stretchr/testify/require"
)

const (
	// Anvil defaults
	TESTNET_RPC      = "http://localhost:8545"
	TESTNET_CHAIN_ID = "31337"

	// First anvil dev account
	TESTING_PK_1 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	testKeyRef = "e2e"
)

// TestSetup runs the whole service against a local anvil node.
type TestSetup struct {
	App        *server.App
	ServerPort int
	EthClient  *ethclient.Client
	Deployer   common.Address
	t          *testing.T
	cancel     context.CancelFunc
	done       chan error
}

// NewTestSetup skips the test when no node answers on TESTNET_RPC.
func NewTestSetup(t *testing.T) *TestSetup {
	t.Helper()
	logging.Discard()

	ethClient := dialTestnet(t)

	tempDir := t.TempDir()
	networks := filepath.Join(tempDir, "networks.yaml")
	require.NoError(t, os.WriteFile(networks, []byte(fmt.Sprintf(`networks:
  - name: anvil
    blockchain: ethereum
    environment: testnet
    chain_id: "%s"
    rpc_url: %s
    confirmations: 1
    poll_interval: 500ms
`, TESTNET_CHAIN_ID, TESTNET_RPC)), 0o600))

	t.Setenv("LAUNCHPAD_KEY_E2E", TESTING_PK_1)

	v := config.New()
	v.Set("database.dsn", filepath.Join(tempDir, "launchpad.db"))
	v.Set("networks_file", networks)
	v.Set("keys.default", testKeyRef)
	v.Set("watcher.poll_interval", 500*time.Millisecond)
	cfg, err := config.Parse(v, "")
	require.NoError(t, err)

	app, err := server.New(context.Background(), cfg)
	require.NoError(t, err)

	apiServer, err := app.NewAPIServer()
	require.NoError(t, err)
	port, err := apiServer.Start(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	setup := &TestSetup{
		App:        app,
		ServerPort: port,
		EthClient:  ethClient,
		t:          t,
		cancel:     cancel,
		done:       make(chan error, 1),
	}
	go func() { setup.done <- app.Run(ctx) }()

	key, err := crypto.HexToECDSA(TESTING_PK_1)
	require.NoError(t, err)
	setup.Deployer = crypto.PubkeyToAddress(key.PublicKey)

	t.Cleanup(func() {
		cancel()
		select {
		case <-setup.done:
		case <-time.After(5 * time.Second):
			t.Log("background workers did not stop in time")
		}
		_ = apiServer.Shutdown()
		_ = app.Close()
		ethClient.Close()
	})
	return setup
}

func dialTestnet(t *testing.T) *ethclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, TESTNET_RPC)
	if err != nil {
		t.Skipf("Skipping test: cannot dial %s: %v", TESTNET_RPC, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		t.Skipf("Skipping test: no node at %s: %v", TESTNET_RPC, err)
	}
	if chainID.String() != TESTNET_CHAIN_ID {
		client.Close()
		t.Skipf("Skipping test: expected chain %s, got %s", TESTNET_CHAIN_ID, chainID)
	}
	return client
}

// CreateToken stores a LaunchpadToken configuration owned by userID.
func (s *TestSetup) CreateToken(userID, name, symbol, supply string) *models.Token {
	s.t.Helper()
	token := &models.Token{
		ID:            uuid.NewString(),
		ProjectID:     "project-" + userID,
		UserID:        userID,
		Name:          name,
		Symbol:        symbol,
		Decimals:      18,
		InitialSupply: supply,
		ContractName:  LaunchpadTokenName,
		SourceCode:    LaunchpadTokenSource,
	}
	require.NoError(s.t, s.App.Tokens().CreateToken(context.Background(), token))
	return token
}

// Do sends an authenticated JSON request and decodes the response body
// into out when it is non-nil.
func (s *TestSetup) Do(method, path, userID string, body interface{}, out interface{}) int {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://localhost:%d%s", s.ServerPort, path), reader)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type deploymentResponse struct {
	Deployment *models.DeploymentRecord  `json:"deployment"`
	History    []models.DeploymentRecord `json:"history"`
}

// WaitForStatus polls the deployment until it reaches one of the wanted
// statuses or the timeout passes.
func (s *TestSetup) WaitForStatus(userID, tokenID string, timeout time.Duration, want ...models.DeploymentStatus) *models.DeploymentRecord {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	var last *models.DeploymentRecord
	for time.Now().Before(deadline) {
		var resp deploymentResponse
		if s.Do(http.MethodGet, "/api/deployments/"+tokenID, userID, nil, &resp) == http.StatusOK && resp.Deployment != nil {
			last = resp.Deployment
			for _, status := range want {
				if last.Status == status {
					return last
				}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	if last != nil {
		s.t.Fatalf("deployment of %s stuck in %s", tokenID, last.Status)
	}
	s.t.Fatalf("deployment of %s not found", tokenID)
	return nil
}

// CallView calls a read-only method of a deployed LaunchpadToken.
func (s *TestSetup) CallView(address common.Address, method string, args ...interface{}) []interface{} {
	s.t.Helper()
	parsed, err := abi.JSON(strings.NewReader(launchpadTokenViewABI))
	require.NoError(s.t, err)
	data, err := parsed.Pack(method, args...)
	require.NoError(s.t, err)

	out, err := s.EthClient.CallContract(context.Background(), ethereum.CallMsg{To: &address, Data: data}, nil)
	require.NoError(s.t, err)
	values, err := parsed.Unpack(method, out)
	require.NoError(s.t, err)
	return values
}
