package ledger

import (
	"context"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// gas estimates are padded by 20%
const (
	gasLimitNumerator   = 12
	gasLimitDenominator = 10
)

// EVMAdapter talks JSON-RPC to an EVM-compatible node. Calls are paced by a
// token bucket so that polling many transactions stays within provider
// quotas.
type EVMAdapter struct {
	network  Network
	client   *ethclient.Client
	wsClient *ethclient.Client
	limiter  *rate.Limiter
}

// NewEVMAdapter dials network.RPCURL (and WSURL when set). When the network
// has no chain id configured it is read from the node; a configured id must
// match the node's.
func NewEVMAdapter(ctx context.Context, network Network) (*EVMAdapter, error) {
	if network.RPCURL == "" {
		return nil, errors.Newf("network %s has no rpc url", network.Name)
	}
	client, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, classify(err, "failed to dial rpc")
	}

	adapter := &EVMAdapter{
		network: network,
		client:  client,
		limiter: newLimiter(network.RPS),
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, classify(err, "failed to read chain id")
	}
	if network.ChainID != nil && network.ChainID.Cmp(chainID) != 0 {
		client.Close()
		return nil, errors.Newf("network %s: configured chain id %s but node reports %s", network.Name, network.ChainID, chainID)
	}
	adapter.network.ChainID = chainID

	if network.WSURL != "" {
		wsClient, err := ethclient.DialContext(ctx, network.WSURL)
		if err != nil {
			log.Warn("websocket dial failed, falling back to polling", "network", network.Name, "err", err)
		} else {
			adapter.wsClient = wsClient
		}
	}

	log.Info("connected", "network", network.Name, "chain_id", chainID, "push_heads", adapter.wsClient != nil)
	return adapter, nil
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (a *EVMAdapter) Network() Network {
	return a.network
}

func (a *EVMAdapter) ChainID() *big.Int {
	return new(big.Int).Set(a.network.ChainID)
}

func (a *EVMAdapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rpc rate limiter")
	}
	return nil
}

func (a *EVMAdapter) BuildDeployment(ctx context.Context, from common.Address, data []byte) (*types.Transaction, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify(err, "failed to get nonce")
	}

	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: from, Data: data})
	if err != nil {
		return nil, classify(err, "failed to estimate gas")
	}
	gas = gas * gasLimitNumerator / gasLimitDenominator

	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(err, "failed to get latest header")
	}

	if head.BaseFee == nil {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, classify(err, "failed to suggest gas price")
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			Data:     data,
		}), nil
	}

	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify(err, "failed to suggest gas tip")
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		Data:      data,
	}), nil
}

func (a *EVMAdapter) Submit(ctx context.Context, raw []byte) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	var hash common.Hash
	if err := a.client.Client().CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return "", classify(err, "failed to send transaction")
	}
	return hash.Hex(), nil
}

func (a *EVMAdapter) GetReceipt(ctx context.Context, hash string) (*Receipt, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "failed to get receipt")
	}

	result := &Receipt{
		TxHash:  receipt.TxHash.Hex(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.ContractAddress != (common.Address{}) {
		result.ContractAddress = receipt.ContractAddress.Hex()
	}
	return result, nil
}

func (a *EVMAdapter) GetBlockHeight(ctx context.Context) (uint64, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	height, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err, "failed to get block number")
	}
	return height, nil
}

func (a *EVMAdapter) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to filter logs")
	}
	return logs, nil
}

func (a *EVMAdapter) SubscribeHeads(ctx context.Context) (<-chan uint64, error) {
	if a.wsClient == nil {
		return nil, ErrHeadsUnsupported
	}
	headers := make(chan *types.Header, 16)
	sub, err := a.wsClient.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, classify(err, "failed to subscribe to new heads")
	}

	heights := make(chan uint64, 16)
	go func() {
		defer close(heights)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				log.Warn("head subscription ended", "network", a.network.Name, "err", err)
				return
			case header := <-headers:
				select {
				case heights <- header.Number.Uint64():
				default:
				}
			}
		}
	}()
	return heights, nil
}

func (a *EVMAdapter) Close() {
	a.client.Close()
	if a.wsClient != nil {
		a.wsClient.Close()
	}
}
