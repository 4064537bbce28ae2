package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// SubmitTransaction calls settle(key, beneficiary, amount) on the bridge.
// The contract rejects a key it has already processed, so a duplicate
// submission reverts instead of paying twice; callers resolve those through
// StatusByKey.
func (c *Client) SubmitTransaction(ctx context.Context, key [32]byte, payload chain.Payload) (chain.TxRef, error) {
	if !common.IsHexAddress(payload.Beneficiary) {
		return "", fmt.Errorf("%w: %q", chain.ErrInvalidDestination, payload.Beneficiary)
	}
	beneficiary := common.HexToAddress(payload.Beneficiary)
	amount := payload.Amount.BigInt()

	// A key the chain already settled needs no transaction at all.
	settled, err := c.isSettled(ctx, key)
	if err == nil && settled {
		ref, st, err := c.StatusByKey(ctx, key)
		if err == nil && st != chain.TxStatusNotFound {
			c.logger.Info("settlement key already processed on chain",
				zap.String("tx_ref", string(ref)))
			return ref, nil
		}
	}

	auth, err := c.transactor(ctx)
	if err != nil {
		return "", err
	}

	tx, err := c.contract.Transact(auth, "settle", key, beneficiary, amount)
	if err != nil {
		return "", classifySubmitError(err)
	}

	c.logger.Info("settlement transaction submitted",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("beneficiary", beneficiary.Hex()),
		zap.String("amount", amount.String()))
	return chain.TxRef(tx.Hash().Hex()), nil
}

// GetTransactionStatus reports the destination view of a submitted
// transaction. Finality means the receipt's block is at least
// ConfirmationBlocks behind the head.
func (c *Client) GetTransactionStatus(ctx context.Context, ref chain.TxRef) (chain.TxStatus, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if errors.Is(err, ethereum.NotFound) {
		// Distinguish known-but-unmined from dropped.
		_, pending, txErr := c.client.TransactionByHash(ctx, common.HexToHash(string(ref)))
		if txErr == nil && pending {
			return chain.TxStatusPending, nil
		}
		return chain.TxStatusNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("transaction receipt %s: %w", ref, err)
	}

	if receipt.Status == 0 {
		return "", fmt.Errorf("%w: tx %s", chain.ErrExecutionReverted, ref)
	}

	head, err := c.latestBlock(ctx)
	if err != nil {
		return "", err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return chain.TxStatusPending, nil
	}
	if head-mined >= uint64(c.cfg.ConfirmationBlocks) {
		return chain.TxStatusFinalized, nil
	}
	return chain.TxStatusPending, nil
}

// StatusByKey resolves an ambiguous submission by looking for the Settled
// event carrying the idempotency key.
func (c *Client) StatusByKey(ctx context.Context, key [32]byte) (chain.TxRef, chain.TxStatus, error) {
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(c.cfg.StartBlock),
		Addresses: []common.Address{c.bridgeAddr},
		Topics: [][]common.Hash{
			{c.abi.Events["Settled"].ID},
			{common.BytesToHash(key[:])},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("filter settled logs: %w", err)
	}
	if len(logs) == 0 {
		return "", chain.TxStatusNotFound, nil
	}

	ref := chain.TxRef(logs[len(logs)-1].TxHash.Hex())
	status, err := c.GetTransactionStatus(ctx, ref)
	if err != nil {
		return ref, "", err
	}
	return ref, status, nil
}

// CustodialBalance reads the bridge's custodial holdings for an asset.
func (c *Client) CustodialBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	token, ok := c.tokenByAsset[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no token configured for asset %s", asset)
	}

	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "custodialBalance", token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("custodial balance call: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected custodial balance type %T", out[0])
	}
	return decimal.NewFromBigInt(balance, 0), nil
}

func (c *Client) isSettled(ctx context.Context, key [32]byte) (bool, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isSettled", key); err != nil {
		return false, err
	}
	settled, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected isSettled type %T", out[0])
	}
	return settled, nil
}

// classifySubmitError maps node-side rejection strings onto the chain
// sentinels the retry classifier understands.
func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %s", chain.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %s", chain.ErrExecutionReverted, err)
	default:
		return err
	}
}
