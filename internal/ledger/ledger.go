// Package ledger is the boundary to blockchain networks: building,
// submitting and observing transactions for one (blockchain, environment).
package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

var log = logging.New("ledger")

var (
	// ErrTransient marks errors worth retrying: timeouts, dropped
	// connections, throttling and node-side 5xx.
	ErrTransient          = errors.New("transient ledger error")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrHeadsUnsupported   = errors.New("network does not push new heads")
)

// Network describes one deployable network.
type Network struct {
	Name           string
	Blockchain     string
	Environment    models.Environment
	ChainID        *big.Int
	RPCURL         string
	WSURL          string
	Confirmations  uint64
	PollInterval   time.Duration
	RPS            float64
	ExplorerAPIURL string
	ExplorerAPIKey string
}

func (n Network) Key() string {
	return networkKey(n.Blockchain, n.Environment)
}

func networkKey(blockchain string, environment models.Environment) string {
	return strings.ToLower(blockchain) + "/" + string(environment)
}

// SupportsVerification reports whether an explorer API is configured.
func (n Network) SupportsVerification() bool {
	return n.ExplorerAPIURL != ""
}

// NetworkFromChain converts a stored chain row.
func NetworkFromChain(chain models.Chain) (Network, error) {
	network := Network{
		Name:           chain.Name,
		Blockchain:     chain.Blockchain,
		Environment:    chain.Environment,
		RPCURL:         chain.RPC,
		WSURL:          chain.WSURL,
		Confirmations:  chain.Confirmations,
		PollInterval:   time.Duration(chain.PollIntervalSeconds) * time.Second,
		RPS:            chain.RPS,
		ExplorerAPIURL: chain.ExplorerAPIURL,
		ExplorerAPIKey: chain.ExplorerAPIKey,
	}
	if chain.NetworkID != "" {
		id, ok := new(big.Int).SetString(chain.NetworkID, 10)
		if !ok {
			return Network{}, errors.Newf("chain %s has invalid chain id %q", chain.Name, chain.NetworkID)
		}
		network.ChainID = id
	}
	if !chain.Environment.Valid() {
		return Network{}, errors.Newf("chain %s has invalid environment %q", chain.Name, chain.Environment)
	}
	return network, nil
}

// Receipt is the ledger's verdict on an included transaction.
type Receipt struct {
	TxHash          string `json:"transaction_hash"`
	BlockNumber     uint64 `json:"block_number"`
	Success         bool   `json:"success"`
	ContractAddress string `json:"contract_address,omitempty"`
	GasUsed         uint64 `json:"gas_used"`
}

type Adapter interface {
	Network() Network
	// ChainID is used to sign transactions for this network.
	ChainID() *big.Int
	// BuildDeployment returns an unsigned contract-creation transaction from
	// from, with nonce, gas and fees filled in.
	BuildDeployment(ctx context.Context, from common.Address, data []byte) (*types.Transaction, error)
	// Submit broadcasts a signed, encoded transaction and returns its hash.
	Submit(ctx context.Context, raw []byte) (string, error)
	// GetReceipt returns nil and no error while the transaction is pending.
	GetReceipt(ctx context.Context, hash string) (*Receipt, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// HeadNotifier is implemented by adapters that can push new block heights.
// The returned channel is closed when ctx ends or the subscription breaks.
type HeadNotifier interface {
	SubscribeHeads(ctx context.Context) (<-chan uint64, error)
}

// LogFilterer is implemented by adapters that can query contract logs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
