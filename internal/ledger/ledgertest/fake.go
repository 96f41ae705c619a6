// Package ledgertest provides an in-memory ledger.Adapter for tests.
package ledgertest

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

type FakeAdapter struct {
	mu           sync.Mutex
	network      ledger.Network
	nonce        uint64
	height       uint64
	receipts     map[string]*ledger.Receipt
	receiptCalls map[string]int
	submitted    []string
	logs         []types.Log

	buildErr   error
	submitErr  error
	receiptErr error
	heightErr  error
	onSubmit   func(ctx context.Context) error

	heads chan uint64
}

// New returns a fake for blockchain "ethereum" in the testnet environment
// unless network says otherwise.
func New(network ledger.Network) *FakeAdapter {
	if network.Blockchain == "" {
		network.Blockchain = "ethereum"
	}
	if network.Environment == "" {
		network.Environment = models.EnvironmentTestnet
	}
	if network.Name == "" {
		network.Name = network.Blockchain + "-" + string(network.Environment)
	}
	if network.ChainID == nil {
		network.ChainID = big.NewInt(31337)
	}
	return &FakeAdapter{
		network:      network,
		receipts:     make(map[string]*ledger.Receipt),
		receiptCalls: make(map[string]int),
	}
}

func (f *FakeAdapter) Network() ledger.Network {
	return f.network
}

func (f *FakeAdapter) ChainID() *big.Int {
	return new(big.Int).Set(f.network.ChainID)
}

func (f *FakeAdapter) BuildDeployment(ctx context.Context, from common.Address, data []byte) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    f.nonce,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      3_000_000,
		Data:     data,
	})
	f.nonce++
	return tx, nil
}

func (f *FakeAdapter) Submit(ctx context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	onSubmit := f.onSubmit
	submitErr := f.submitErr
	f.mu.Unlock()

	if onSubmit != nil {
		if err := onSubmit(ctx); err != nil {
			return "", err
		}
	}
	if submitErr != nil {
		return "", submitErr
	}

	hash := crypto.Keccak256Hash(raw).Hex()
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err == nil {
		hash = tx.Hash().Hex()
	}

	f.mu.Lock()
	f.submitted = append(f.submitted, hash)
	f.mu.Unlock()
	return hash, nil
}

func (f *FakeAdapter) GetReceipt(ctx context.Context, hash string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls[strings.ToLower(hash)]++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	receipt, ok := f.receipts[strings.ToLower(hash)]
	if !ok {
		return nil, nil
	}
	copied := *receipt
	return &copied, nil
}

func (f *FakeAdapter) GetBlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *FakeAdapter) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if query.FromBlock != nil && l.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && l.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if len(query.Addresses) > 0 && !containsAddress(query.Addresses, l.Address) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddress(addresses []common.Address, address common.Address) bool {
	for _, a := range addresses {
		if a == address {
			return true
		}
	}
	return false
}

// SubscribeHeads fails with ledger.ErrHeadsUnsupported until EnableHeads.
func (f *FakeAdapter) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heads == nil {
		return nil, ledger.ErrHeadsUnsupported
	}
	return f.heads, nil
}

func (f *FakeAdapter) EnableHeads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = make(chan uint64, 16)
}

// PushHead advances the height and notifies head subscribers.
func (f *FakeAdapter) PushHead(height uint64) {
	f.mu.Lock()
	f.height = height
	heads := f.heads
	f.mu.Unlock()
	if heads != nil {
		heads <- height
	}
}

func (f *FakeAdapter) SetHeight(height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = height
}

// Include records a receipt for hash in block.
func (f *FakeAdapter) Include(hash string, block uint64, success bool, contractAddress string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[strings.ToLower(hash)] = &ledger.Receipt{
		TxHash:          hash,
		BlockNumber:     block,
		Success:         success,
		ContractAddress: contractAddress,
		GasUsed:         1_234_567,
	}
}

func (f *FakeAdapter) AddLog(l types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
}

func (f *FakeAdapter) SetBuildError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildErr = err
}

func (f *FakeAdapter) SetSubmitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *FakeAdapter) SetReceiptError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptErr = err
}

func (f *FakeAdapter) SetHeightError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heightErr = err
}

// OnSubmit runs fn at the start of every Submit; a non-nil error fails it.
func (f *FakeAdapter) OnSubmit(fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
}

func (f *FakeAdapter) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *FakeAdapter) ReceiptCalls(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptCalls[strings.ToLower(hash)]
}
