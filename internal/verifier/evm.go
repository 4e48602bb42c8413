package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// ChainReader is the subset of ethclient.Client the EVM verifier needs.
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EVMConfig configures native-coin transfer verification on an EVM chain.
type EVMConfig struct {
	Recipient string
	Decimals  int32
	Poller    Poller
}

// EVM verifies native value transfers by transaction receipt.
type EVM struct {
	client    ChainReader
	recipient string
	decimals  int32
	poller    Poller
}

var _ Verifier = (*EVM)(nil)

// DialEVM connects to an RPC endpoint and returns a verifier over it.
func DialEVM(endpoint string, cfg EVMConfig) (*EVM, error) {
	client, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("evm verifier: dial %s: %w", endpoint, err)
	}
	return NewEVM(client, cfg), nil
}

// NewEVM builds an EVM verifier on an existing chain reader.
func NewEVM(client ChainReader, cfg EVMConfig) *EVM {
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = 18
	}
	poller := cfg.Poller
	if poller.MaxAttempts == 0 {
		poller = DefaultPoller()
	}
	return &EVM{client: client, recipient: cfg.Recipient, decimals: decimals, poller: poller}
}

// Verify waits for the receipt, then checks status, recipient and value.
func (e *EVM) Verify(ctx context.Context, req Request) (Outcome, error) {
	if req.Tx == "" {
		return Outcome{Code: CodeMissingTxID, Message: "missing transaction id"}, nil
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = e.recipient
	}
	if !common.IsHexAddress(recipient) {
		return Outcome{Code: CodeMissingRecipient, Message: "no valid recipient configured for payments"}, nil
	}
	hash := common.HexToHash(req.Tx)

	var receipt *types.Receipt
	err := e.poller.Do(ctx, func(ctx context.Context) (bool, error) {
		r, err := e.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt = r
			return true, nil
		case errors.Is(err, ethereum.NotFound):
			return false, nil
		default:
			return false, fmt.Errorf("evm verifier: receipt: %w", err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if errors.Is(err, ErrPollExhausted) {
			return Outcome{Code: CodeTxNotFound, Message: "transaction receipt not found after polling"}, nil
		}
		return Outcome{Code: CodeVerificationError, Message: err.Error()}, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Outcome{Code: CodeTxNotAccepted, Message: "transaction reverted"}, nil
	}

	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		return Outcome{Code: CodeVerificationError, Message: err.Error()}, nil
	}
	if pending {
		return Outcome{Code: CodeTxNotAccepted, Message: "transaction still pending"}, nil
	}
	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), common.HexToAddress(recipient).Hex()) {
		return Outcome{Code: CodeNoTransferFound, Message: "transaction does not pay the expected recipient"}, nil
	}
	value := decimal.NewFromBigInt(tx.Value(), 0)
	paid := value.Shift(-e.decimals)
	if value.LessThan(ToBaseUnits(req.Amount, e.decimals)) {
		return Outcome{Code: CodeAmountTooLow, Message: fmt.Sprintf("on-chain value %s below required %s", paid, req.Amount), Paid: paid}, nil
	}
	out := Outcome{OK: true, Code: CodeOK, Message: "payment verified on evm network", Paid: paid}
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		out.Payer = from.Hex()
	}
	return out, nil
}
