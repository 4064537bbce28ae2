package evm

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// subscription is one polling log watch. Only blocks at least
// ConfirmationBlocks behind the head are scanned, so every emitted event is
// final.
type subscription struct {
	events chan chain.Event
	errs   chan error
	cancel context.CancelFunc
}

func (s *subscription) Events() <-chan chain.Event { return s.events }
func (s *subscription) Err() <-chan error          { return s.errs }
func (s *subscription) Unsubscribe()               { s.cancel() }

// Subscribe starts a log poll for bridge events. filter.FromRef resumes
// from a block number cursor; empty falls back to the configured start
// block.
func (c *Client) Subscribe(ctx context.Context, filter chain.Filter) (chain.Subscription, error) {
	fromBlock := uint64(c.cfg.StartBlock)
	if filter.FromRef != "" {
		n, err := strconv.ParseUint(filter.FromRef, 10, 64)
		if err != nil {
			c.logger.Warn("ignoring malformed cursor", zap.String("cursor", filter.FromRef))
		} else {
			fromBlock = resumeBlock(n)
		}
	}

	wanted := make(map[chain.EventKind]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		wanted[k] = true
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		events: make(chan chain.Event, 64),
		errs:   make(chan error, 1),
		cancel: cancel,
	}

	go c.poll(subCtx, sub, fromBlock, wanted)

	c.logger.Info("subscribed to bridge events",
		zap.Uint64("from_block", fromBlock),
		zap.Int("confirmation_blocks", c.cfg.ConfirmationBlocks))
	return sub, nil
}

// resumeBlock converts a cursor into the poll start position. The poll
// scans from the position plus one, so the cursor block itself is
// re-scanned: a cursor records the last journaled event, not that its
// whole block was handled, and remaining same-block logs must be
// re-delivered after a restart. Duplicates die on the event unique key.
func resumeBlock(cursor uint64) uint64 {
	if cursor == 0 {
		return 0
	}
	return cursor - 1
}

func (c *Client) poll(ctx context.Context, sub *subscription, fromBlock uint64, wanted map[chain.EventKind]bool) {
	defer close(sub.events)

	interval := c.cfg.PollingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	depositTopic := c.abi.Events["Deposited"].ID
	burnTopic := c.abi.Events["BurnedForWithdrawal"].ID
	current := fromBlock

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := c.latestBlock(ctx)
			if err != nil {
				c.logger.Warn("failed to get latest block", zap.Error(err))
				continue
			}
			// Scan only past the finality horizon.
			if head < uint64(c.cfg.ConfirmationBlocks) {
				continue
			}
			safe := head - uint64(c.cfg.ConfirmationBlocks)
			if safe <= current {
				continue
			}

			logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(current + 1),
				ToBlock:   new(big.Int).SetUint64(safe),
				Addresses: []common.Address{c.bridgeAddr},
				Topics:    [][]common.Hash{{depositTopic, burnTopic}},
			})
			if err != nil {
				c.logger.Warn("failed to filter bridge logs", zap.Error(err))
				select {
				case sub.errs <- err:
				default:
				}
				return
			}

			for _, lg := range logs {
				ev, ok := c.parseLog(lg, depositTopic)
				if !ok {
					continue
				}
				if len(wanted) > 0 && !wanted[ev.Kind] {
					continue
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					return
				}
			}

			current = safe
		}
	}
}

// parseLog converts a raw bridge log into a chain event. Unknown tokens are
// skipped rather than relayed with a wrong asset.
func (c *Client) parseLog(lg types.Log, depositTopic common.Hash) (chain.Event, bool) {
	kind := chain.KindBurnForWithdrawal
	name := "BurnedForWithdrawal"
	if lg.Topics[0] == depositTopic {
		kind = chain.KindDeposit
		name = "Deposited"
	}

	var data struct {
		Token       common.Address
		Sender      common.Address
		Beneficiary []byte
		Amount      *big.Int
	}
	if err := c.contract.UnpackLog(&data, name, lg); err != nil {
		c.logger.Warn("failed to unpack bridge log",
			zap.String("tx_hash", lg.TxHash.Hex()),
			zap.Error(err))
		return chain.Event{}, false
	}

	token := common.BytesToAddress(lg.Topics[1].Bytes())
	asset, ok := c.assetByToken[token]
	if !ok {
		c.logger.Warn("bridge event for unmapped token, skipping",
			zap.String("token", token.Hex()),
			zap.String("tx_hash", lg.TxHash.Hex()))
		return chain.Event{}, false
	}

	txHash := lg.TxHash.Hex()
	return chain.Event{
		ID:   chain.EventID(txHash, lg.Index),
		Kind: kind,
		Payload: chain.Payload{
			Beneficiary: string(data.Beneficiary),
			Amount:      decimal.NewFromBigInt(data.Amount, 0),
			Asset:       asset,
		},
		SourceTx:   txHash,
		LogIndex:   lg.Index,
		Cursor:     strconv.FormatUint(lg.BlockNumber, 10),
		ObservedAt: time.Now().UTC(),
	}, true
}
