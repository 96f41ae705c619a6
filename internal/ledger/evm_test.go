package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/stretchr/testify/suite"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	emptyBloom     = "0x" + "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000" +
		"00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000" +
		"00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000" +
		"00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"
	zeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeNode is a minimal JSON-RPC endpoint. Handlers return a result or an
// rpcError; a method listed in unavailable gets an HTTP 503.
type fakeNode struct {
	mu          sync.Mutex
	handlers    map[string]func(params []json.RawMessage) (any, *rpcError)
	unavailable map[string]bool
	calls       map[string]int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		handlers:    make(map[string]func(params []json.RawMessage) (any, *rpcError)),
		unavailable: make(map[string]bool),
		calls:       make(map[string]int),
	}
}

func (n *fakeNode) handle(method string, fn func(params []json.RawMessage) (any, *rpcError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

func (n *fakeNode) result(method string, value any) {
	n.handle(method, func([]json.RawMessage) (any, *rpcError) { return value, nil })
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	handler := n.handlers[req.Method]
	unavailable := n.unavailable[req.Method]
	n.mu.Unlock()

	if unavailable {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if handler == nil {
		resp["error"] = rpcError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := handler(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func header(number uint64, baseFee *big.Int) map[string]any {
	h := map[string]any{
		"parentHash":       zeroHash,
		"sha3Uncles":       types.EmptyUncleHash.Hex(),
		"miner":            common.Address{}.Hex(),
		"stateRoot":        zeroHash,
		"transactionsRoot": types.EmptyTxsHash.Hex(),
		"receiptsRoot":     types.EmptyReceiptsHash.Hex(),
		"logsBloom":        emptyBloom,
		"difficulty":       "0x0",
		"number":           hexutil.EncodeUint64(number),
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        "0x65000000",
		"extraData":        "0x",
	}
	if baseFee != nil {
		h["baseFeePerGas"] = hexutil.EncodeBig(baseFee)
	}
	return h
}

type EVMAdapterTestSuite struct {
	suite.Suite
	node    *fakeNode
	server  *httptest.Server
	adapter *EVMAdapter
	ctx     context.Context
}

func (s *EVMAdapterTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.node = newFakeNode()
	s.node.result("eth_chainId", "0x7a69")
	s.server = httptest.NewServer(s.node)

	adapter, err := NewEVMAdapter(s.ctx, Network{
		Name:        "anvil",
		Blockchain:  "ethereum",
		Environment: models.EnvironmentTestnet,
		RPCURL:      s.server.URL,
	})
	s.Require().NoError(err)
	s.adapter = adapter
}

func (s *EVMAdapterTestSuite) TearDownTest() {
	s.adapter.Close()
	s.server.Close()
}

func (s *EVMAdapterTestSuite) TestChainIDFromNode() {
	s.Equal(int64(31337), s.adapter.ChainID().Int64())
	s.Equal("ethereum/testnet", s.adapter.Network().Key())
}

func (s *EVMAdapterTestSuite) TestChainIDMismatch() {
	_, err := NewEVMAdapter(s.ctx, Network{Name: "wrong", RPCURL: s.server.URL, ChainID: big.NewInt(1)})
	s.ErrorContains(err, "node reports 31337")
}

func (s *EVMAdapterTestSuite) TestBuildDynamicFeeDeployment() {
	s.node.result("eth_getTransactionCount", "0x7")
	s.node.result("eth_estimateGas", "0x186a0")
	s.node.result("eth_getBlockByNumber", header(16, big.NewInt(1_000_000_000)))
	s.node.result("eth_maxPriorityFeePerGas", "0x3b9aca00")

	tx, err := s.adapter.BuildDeployment(s.ctx, common.HexToAddress("0x01"), []byte{0x60, 0x80})
	s.Require().NoError(err)
	s.Equal(uint8(types.DynamicFeeTxType), tx.Type())
	s.Equal(uint64(7), tx.Nonce())
	s.Equal(uint64(120000), tx.Gas())
	s.Nil(tx.To())
	s.Equal(int64(3_000_000_000), tx.GasFeeCap().Int64())
	s.Equal([]byte{0x60, 0x80}, tx.Data())
}

func (s *EVMAdapterTestSuite) TestBuildLegacyDeployment() {
	s.node.result("eth_getTransactionCount", "0x0")
	s.node.result("eth_estimateGas", "0x5208")
	s.node.result("eth_getBlockByNumber", header(16, nil))
	s.node.result("eth_gasPrice", "0x2")

	tx, err := s.adapter.BuildDeployment(s.ctx, common.HexToAddress("0x01"), []byte{0x60})
	s.Require().NoError(err)
	s.Equal(uint8(types.LegacyTxType), tx.Type())
	s.Equal(int64(2), tx.GasPrice().Int64())
}

func (s *EVMAdapterTestSuite) TestSubmitSignedTransaction() {
	s.node.handle("eth_sendRawTransaction", func(params []json.RawMessage) (any, *rpcError) {
		var raw string
		_ = json.Unmarshal(params[0], &raw)
		var tx types.Transaction
		if err := tx.UnmarshalBinary(hexutil.MustDecode(raw)); err != nil {
			return nil, &rpcError{Code: -32602, Message: err.Error()}
		}
		return tx.Hash().Hex(), nil
	})

	key, err := crypto.HexToECDSA(testPrivateKey)
	s.Require().NoError(err)
	unsigned := types.NewTx(&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(1), Gas: 100000, Data: []byte{0x60}})
	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(s.adapter.ChainID()), key)
	s.Require().NoError(err)
	raw, err := signed.MarshalBinary()
	s.Require().NoError(err)

	hash, err := s.adapter.Submit(s.ctx, raw)
	s.Require().NoError(err)
	s.Equal(signed.Hash().Hex(), hash)
}

func (s *EVMAdapterTestSuite) TestSubmitRejectedIsNotTransient() {
	s.node.handle("eth_sendRawTransaction", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "nonce too low"}
	})
	_, err := s.adapter.Submit(s.ctx, []byte{0x01})
	s.ErrorContains(err, "nonce too low")
	s.False(IsTransient(err))
}

func (s *EVMAdapterTestSuite) TestReceiptPendingAndMined() {
	hash := "0x" + strings.Repeat("ab", 32)
	s.node.result("eth_getTransactionReceipt", nil)

	receipt, err := s.adapter.GetReceipt(s.ctx, hash)
	s.Require().NoError(err)
	s.Nil(receipt)

	contract := "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	s.node.result("eth_getTransactionReceipt", map[string]any{
		"transactionHash":   hash,
		"transactionIndex":  "0x0",
		"blockHash":         zeroHash,
		"blockNumber":       "0x5",
		"status":            "0x1",
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"effectiveGasPrice": "0x1",
		"logsBloom":         emptyBloom,
		"logs":              []any{},
		"contractAddress":   contract,
		"type":              "0x0",
	})
	receipt, err = s.adapter.GetReceipt(s.ctx, hash)
	s.Require().NoError(err)
	s.Require().NotNil(receipt)
	s.True(receipt.Success)
	s.Equal(uint64(5), receipt.BlockNumber)
	s.Equal(uint64(21000), receipt.GasUsed)
	s.Equal(contract, receipt.ContractAddress)
}

func (s *EVMAdapterTestSuite) TestBlockHeightAndTransientErrors() {
	s.node.result("eth_blockNumber", "0x2a")
	height, err := s.adapter.GetBlockHeight(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(42), height)

	s.node.mu.Lock()
	s.node.unavailable["eth_blockNumber"] = true
	s.node.mu.Unlock()
	_, err = s.adapter.GetBlockHeight(s.ctx)
	s.Error(err)
	s.True(IsTransient(err))
}

func (s *EVMAdapterTestSuite) TestHeadsUnsupportedWithoutWebsocket() {
	_, err := s.adapter.SubscribeHeads(s.ctx)
	s.ErrorIs(err, ErrHeadsUnsupported)
}

func TestEVMAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(EVMAdapterTestSuite))
}
