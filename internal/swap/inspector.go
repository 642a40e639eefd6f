package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	StatusPendingDeploy = "pending_deploy"
	StatusDeployed      = "deployed"

	description = "Swaps CELO delivered by the onramp into cCOP"
)

// ChainReader is the read-only RPC surface the inspector uses.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options describe the swap contract deployment.
type Options struct {
	RPCURL     string
	Network    string
	Address    string
	FeePercent decimal.Decimal
	Tokens     map[string]string
	Timeout    time.Duration
}

// ContractInfo is read-only metadata about the swap contract.
type ContractInfo struct {
	Address     string
	Network     string
	FeePercent  decimal.Decimal
	Description string
	Status      string
	Tokens      map[string]string
	Block       uint64
}

// Inspector reports contract metadata, probing the chain when it can.
type Inspector struct {
	opts      Options
	static    ContractInfo
	logger    zerolog.Logger
	client    ChainReader
	clientMux sync.Mutex
	dial      func(ctx context.Context, rawURL string) (ChainReader, error)
}

// InspectorOption customises an Inspector.
type InspectorOption func(*Inspector)

// WithChainReader injects an RPC client instead of dialing RPCURL.
func WithChainReader(reader ChainReader) InspectorOption {
	return func(i *Inspector) { i.client = reader }
}

// WithDialer replaces ethclient.DialContext when connecting to RPCURL.
func WithDialer(dial func(ctx context.Context, rawURL string) (ChainReader, error)) InspectorOption {
	return func(i *Inspector) { i.dial = dial }
}

func dialEthclient(ctx context.Context, rawURL string) (ChainReader, error) {
	return ethclient.DialContext(ctx, rawURL)
}

// NewInspector validates addresses and builds the static contract info.
func NewInspector(opts Options, logger zerolog.Logger, options ...InspectorOption) (*Inspector, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		address = common.Address{}.Hex()
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("swap: invalid contract address %q", opts.Address)
	}

	tokens := make(map[string]string, len(opts.Tokens))
	for name, addr := range opts.Tokens {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("swap: invalid %s token address %q", name, addr)
		}
		tokens[strings.ToLower(name)] = common.HexToAddress(addr).Hex()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	i := &Inspector{
		opts: opts,
		static: ContractInfo{
			Address:     common.HexToAddress(address).Hex(),
			Network:     opts.Network,
			FeePercent:  opts.FeePercent,
			Description: description,
			Status:      StatusPendingDeploy,
			Tokens:      tokens,
		},
		logger: logger.With().Str("component", "swap_inspector").Logger(),
		dial:   dialEthclient,
	}
	for _, opt := range options {
		opt(i)
	}
	return i, nil
}

// Static returns the configured info without touching the chain.
func (i *Inspector) Static() ContractInfo {
	info := i.static
	info.Tokens = copyTokens(i.static.Tokens)
	return info
}

// TokenNames lists configured token keys in order.
func (i *Inspector) TokenNames() []string {
	names := make([]string, 0, len(i.static.Tokens))
	for name := range i.static.Tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the contract info, marking it deployed when code exists at
// the configured address. RPC failures keep the static status.
func (i *Inspector) Info(ctx context.Context) ContractInfo {
	info := i.Static()
	addr := common.HexToAddress(info.Address)
	if addr == (common.Address{}) {
		return info
	}

	ctx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	client, err := i.getClient(ctx)
	if err != nil {
		i.logger.Debug().Err(err).Msg("swap contract probe skipped")
		return info
	}

	block, err := client.BlockNumber(ctx)
	if err != nil {
		i.logger.Warn().Err(err).Msg("block number lookup failed")
		return info
	}
	code, err := client.CodeAt(ctx, addr, new(big.Int).SetUint64(block))
	if err != nil {
		i.logger.Warn().Err(err).Str("address", info.Address).Msg("swap contract probe failed")
		return info
	}
	info.Block = block
	if len(code) > 0 {
		info.Status = StatusDeployed
	}
	return info
}

func (i *Inspector) getClient(ctx context.Context) (ChainReader, error) {
	i.clientMux.Lock()
	client := i.client
	i.clientMux.Unlock()
	if client != nil {
		return client, nil
	}
	if i.opts.RPCURL == "" {
		return nil, errors.New("celo rpc url not configured")
	}

	// dial without the lock; ws and ipc URLs connect eagerly
	dialed, err := i.dial(ctx, i.opts.RPCURL)
	if err != nil {
		return nil, err
	}

	i.clientMux.Lock()
	defer i.clientMux.Unlock()
	if i.client != nil {
		if c, ok := dialed.(interface{ Close() }); ok {
			c.Close()
		}
		return i.client, nil
	}
	i.client = dialed
	return dialed, nil
}

func copyTokens(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
