package watcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
)

const (
	DefaultLogPollInterval = 15 * time.Second
	DefaultMaxBlockRange   = 2000
)

const tokenEventsABI = `[
	{"anonymous":false,"type":"event","name":"Transfer","inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"Approval","inputs":[
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":true,"name":"spender","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]},
	{"anonymous":false,"type":"event","name":"OwnershipTransferred","inputs":[
		{"indexed":true,"name":"previousOwner","type":"address"},
		{"indexed":true,"name":"newOwner","type":"address"}]}
]`

var tokenEvents = mustParseABI(tokenEventsABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractEvent is a decoded log from a watched token contract.
type ContractEvent struct {
	Network         string            `json:"network"`
	ContractAddress string            `json:"contract_address"`
	EventName       string            `json:"event_name"`
	TxHash          string            `json:"transaction_hash"`
	BlockNumber     uint64            `json:"block_number"`
	LogIndex        uint              `json:"log_index"`
	Args            map[string]string `json:"args"`
}

type LogPollerConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxBlockRange uint64        `mapstructure:"max_block_range" yaml:"max_block_range"`
	// StartBlock is the first block to scan; zero starts at the current head.
	StartBlock uint64 `mapstructure:"start_block" yaml:"start_block"`
}

// LogPoller scans one network for Transfer, Approval and
// OwnershipTransferred logs emitted by watched contracts.
type LogPoller struct {
	adapter  ledger.Adapter
	filterer ledger.LogFilterer
	interval time.Duration
	maxRange uint64
	handler  func(ctx context.Context, event ContractEvent)

	mu        sync.Mutex
	contracts map[common.Address]struct{}
	nextBlock uint64
}

func NewLogPoller(adapter ledger.Adapter, cfg LogPollerConfig, handler func(ctx context.Context, event ContractEvent)) (*LogPoller, error) {
	filterer, ok := adapter.(ledger.LogFilterer)
	if !ok {
		return nil, errors.Newf("network %s cannot filter logs", adapter.Network().Name)
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	p := &LogPoller{
		adapter:   adapter,
		filterer:  filterer,
		interval:  cfg.Interval,
		maxRange:  cfg.MaxBlockRange,
		handler:   handler,
		contracts: make(map[common.Address]struct{}),
		nextBlock: cfg.StartBlock,
	}
	if p.interval <= 0 {
		p.interval = DefaultLogPollInterval
	}
	if p.maxRange == 0 {
		p.maxRange = DefaultMaxBlockRange
	}
	return p, nil
}

func (p *LogPoller) Watch(address string) error {
	if !common.IsHexAddress(address) {
		return errors.Newf("invalid contract address %q", address)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts[common.HexToAddress(address)] = struct{}{}
	return nil
}

func (p *LogPoller) Unwatch(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.contracts, common.HexToAddress(address))
}

func (p *LogPoller) Watching(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.contracts[common.HexToAddress(address)]
	return ok
}

func (p *LogPoller) Network() ledger.Network {
	return p.adapter.Network()
}

// Run polls until ctx is done.
func (p *LogPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("log poll failed", "network", p.adapter.Network().Name, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce scans at most one block range and returns the number of events
// delivered.
func (p *LogPoller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	addresses := make([]common.Address, 0, len(p.contracts))
	for address := range p.contracts {
		addresses = append(addresses, address)
	}
	from := p.nextBlock
	p.mu.Unlock()

	height, err := p.adapter.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	if from == 0 {
		from = height
	}
	if len(addresses) == 0 || from > height {
		p.advance(from)
		return 0, nil
	}
	to := height
	if to-from+1 > p.maxRange {
		to = from + p.maxRange - 1
	}

	logs, err := p.filterer.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
		Topics: [][]common.Hash{{
			tokenEvents.Events["Transfer"].ID,
			tokenEvents.Events["Approval"].ID,
			tokenEvents.Events["OwnershipTransferred"].ID,
		}},
	})
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, l := range logs {
		event, err := p.decode(l)
		if err != nil {
			log.Debug("skipping undecodable log", "tx", l.TxHash.Hex(), "err", err)
			continue
		}
		p.handler(ctx, event)
		delivered++
	}
	p.advance(to + 1)
	return delivered, nil
}

func (p *LogPoller) advance(next uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next > p.nextBlock {
		p.nextBlock = next
	}
}

func (p *LogPoller) decode(l types.Log) (ContractEvent, error) {
	if len(l.Topics) == 0 {
		return ContractEvent{}, errors.New("log has no topics")
	}
	event, err := tokenEvents.EventByID(l.Topics[0])
	if err != nil {
		return ContractEvent{}, errors.WithStack(err)
	}

	values := make(map[string]interface{})
	if err := event.Inputs.UnpackIntoMap(values, l.Data); err != nil {
		return ContractEvent{}, errors.Wrap(err, "failed to unpack log data")
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return ContractEvent{}, errors.Wrap(err, "failed to parse log topics")
	}

	args := make(map[string]string, len(values))
	for name, value := range values {
		switch v := value.(type) {
		case common.Address:
			args[name] = v.Hex()
		default:
			args[name] = fmt.Sprint(v)
		}
	}
	return ContractEvent{
		Network:         p.adapter.Network().Name,
		ContractAddress: l.Address.Hex(),
		EventName:       event.Name,
		TxHash:          l.TxHash.Hex(),
		BlockNumber:     l.BlockNumber,
		LogIndex:        l.Index,
		Args:            args,
	}, nil
}
