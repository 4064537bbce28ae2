// Package evm adapts an EVM chain carrying the zenZEC bridge contract to
// the chain interfaces: event subscription on the source side, idempotent
// settlement submission on the destination side.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// bridgeABI is the surface of the zenZEC bridge contract the relayer
// touches. Deposited and BurnedForWithdrawal are the inbound events; settle
// is the sole outbound call, keyed so replays are rejected on chain.
const bridgeABI = `[
  {"anonymous":false,"inputs":[{"indexed":true,"name":"token","type":"address"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"beneficiary","type":"bytes"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Deposited","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"token","type":"address"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"beneficiary","type":"bytes"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"BurnedForWithdrawal","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"key","type":"bytes32"},{"indexed":true,"name":"beneficiary","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Settled","type":"event"},
  {"inputs":[{"name":"key","type":"bytes32"},{"name":"beneficiary","type":"address"},{"name":"amount","type":"uint256"}],"name":"settle","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"key","type":"bytes32"}],"name":"isSettled","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"token","type":"address"}],"name":"custodialBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Config holds one chain endpoint's settings.
type Config struct {
	RPCURL             string
	ChainID            int64
	BridgeContract     string
	RelayerPrivateKey  string
	GasLimit           uint64
	MaxGasPrice        string
	ConfirmationBlocks int
	PollingInterval    time.Duration
	StartBlock         int64
	// Tokens maps asset symbols to their ERC-20 contract addresses.
	Tokens map[string]string
}

// Client wraps one EVM endpoint plus the bridge contract bound on it. It
// backs both the source subscription and the destination submitter.
type Client struct {
	cfg        Config
	client     *ethclient.Client
	abi        abi.ABI
	contract   *bind.BoundContract
	bridgeAddr common.Address
	privateKey *ecdsa.PrivateKey
	address    common.Address
	logger     *zap.Logger

	tokenByAsset map[string]common.Address
	assetByToken map[common.Address]string
}

// NewClient connects to the endpoint and binds the bridge contract. A
// private key is required only when the client submits settlements.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}

	bridgeAddr := common.HexToAddress(cfg.BridgeContract)
	contract := bind.NewBoundContract(bridgeAddr, parsed, client, client, client)

	c := &Client{
		cfg:          cfg,
		client:       client,
		abi:          parsed,
		contract:     contract,
		bridgeAddr:   bridgeAddr,
		logger:       logger,
		tokenByAsset: make(map[string]common.Address),
		assetByToken: make(map[common.Address]string),
	}
	for asset, addr := range cfg.Tokens {
		token := common.HexToAddress(addr)
		c.tokenByAsset[asset] = token
		c.assetByToken[token] = asset
	}

	if cfg.RelayerPrivateKey != "" {
		privateKey, err := crypto.HexToECDSA(cfg.RelayerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		c.privateKey = privateKey
		c.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	logger.Info("connected to EVM chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("bridge_contract", bridgeAddr.Hex()))

	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// transactor builds signed transaction options with the current nonce and a
// capped gas price.
func (c *Client) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("no relayer private key configured")
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, big.NewInt(c.cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	auth.Nonce = big.NewInt(int64(nonce))
	auth.GasLimit = c.cfg.GasLimit
	auth.Context = ctx

	if c.cfg.MaxGasPrice != "" {
		maxGasPrice := new(big.Int)
		maxGasPrice.SetString(c.cfg.MaxGasPrice, 10)

		gasPrice, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		if gasPrice.Cmp(maxGasPrice) > 0 {
			c.logger.Warn("suggested gas price exceeds maximum",
				zap.String("suggested", gasPrice.String()),
				zap.String("max", maxGasPrice.String()))
			auth.GasPrice = maxGasPrice
		} else {
			auth.GasPrice = gasPrice
		}
	}

	return auth, nil
}

// latestBlock returns the current head number.
func (c *Client) latestBlock(ctx context.Context) (uint64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	return header.Number.Uint64(), nil
}
