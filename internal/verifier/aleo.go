package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const creditsProgram = "credits.aleo"

var transferFunctions = map[string]bool{
	"transfer_public":            true,
	"transfer_private_to_public": true,
	"transfer_public_to_private": true,
}

// AleoConfig configures the Aleo explorer API verifier.
type AleoConfig struct {
	RPCURL         string
	Recipient      string
	Decimals       int32
	RequestTimeout time.Duration
	Poller         Poller
	HTTPClient     *http.Client
}

// Aleo verifies credits.aleo transfers through the explorer REST API.
type Aleo struct {
	rpcURL    string
	recipient string
	decimals  int32
	poller    Poller
	client    *http.Client
}

var _ Verifier = (*Aleo)(nil)

// NewAleo builds an Aleo verifier.
func NewAleo(cfg AleoConfig) (*Aleo, error) {
	rpc := strings.TrimSuffix(strings.TrimSpace(cfg.RPCURL), "/")
	if rpc == "" {
		return nil, errors.New("aleo verifier: rpc url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = 6
	}
	poller := cfg.Poller
	if poller.MaxAttempts == 0 {
		poller = DefaultPoller()
	}
	return &Aleo{rpcURL: rpc, recipient: cfg.Recipient, decimals: decimals, poller: poller, client: client}, nil
}

type aleoTransaction struct {
	Status    string `json:"status"`
	Execution *struct {
		Transitions []aleoTransition `json:"transitions"`
	} `json:"execution"`
}

type aleoTransition struct {
	Program  string `json:"program"`
	Function string `json:"function"`
	Inputs   []struct {
		Value string `json:"value"`
	} `json:"inputs"`
}

type aleoTransfer struct {
	Recipient string
	Amount    decimal.Decimal
	Function  string
}

// Verify polls until the transaction is visible, then checks recipient and amount.
func (a *Aleo) Verify(ctx context.Context, req Request) (Outcome, error) {
	if req.Tx == "" {
		return Outcome{Code: CodeMissingTxID, Message: "missing transaction id"}, nil
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = a.recipient
	}
	if recipient == "" {
		return Outcome{Code: CodeMissingRecipient, Message: "no recipient configured for payments"}, nil
	}

	var (
		raw []byte
		tx  *aleoTransaction
	)
	err := a.poller.Do(ctx, func(ctx context.Context) (bool, error) {
		body, found, err := a.fetch(ctx, req.Tx)
		if err != nil || !found {
			return false, err
		}
		var parsed aleoTransaction
		if err := json.Unmarshal(body, &parsed); err != nil {
			return true, fmt.Errorf("aleo verifier: decode transaction: %w", err)
		}
		raw, tx = body, &parsed
		return true, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if errors.Is(err, ErrPollExhausted) {
			return Outcome{Code: CodeTxNotFound, Message: "transaction not found on network after polling"}, nil
		}
		return Outcome{Code: CodeVerificationError, Message: err.Error()}, nil
	}

	if tx.Status != "" && tx.Status != "accepted" {
		return Outcome{Code: CodeTxNotAccepted, Message: fmt.Sprintf("transaction status is %s, not accepted", tx.Status), Raw: raw}, nil
	}
	transfer, ok := findTransfer(tx, recipient)
	if !ok {
		return Outcome{Code: CodeNoTransferFound, Message: "no transfer to the expected recipient found in transaction", Raw: raw}, nil
	}
	expected := ToBaseUnits(req.Amount, a.decimals)
	paid := transfer.Amount.Shift(-a.decimals)
	if transfer.Amount.LessThan(expected) {
		return Outcome{
			Code:    CodeAmountTooLow,
			Message: fmt.Sprintf("on-chain amount %s below required %s", transfer.Amount, expected),
			Paid:    paid,
			Raw:     raw,
		}, nil
	}
	payer := req.Wallet
	if payer == "" {
		payer = "private"
	}
	return Outcome{OK: true, Code: CodeOK, Message: "payment verified on aleo network", Payer: payer, Paid: paid, Raw: raw}, nil
}

func (a *Aleo) fetch(ctx context.Context, tx string) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.rpcURL+"/transaction/"+tx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("aleo verifier: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("aleo verifier: send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("aleo verifier: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("aleo verifier: http %d", resp.StatusCode)
	}
	return body, true, nil
}

func findTransfer(tx *aleoTransaction, recipient string) (aleoTransfer, bool) {
	if tx.Execution == nil {
		return aleoTransfer{}, false
	}
	for _, tr := range tx.Execution.Transitions {
		if tr.Program != creditsProgram || !transferFunctions[tr.Function] {
			continue
		}
		out := aleoTransfer{Function: tr.Function}
		for _, in := range tr.Inputs {
			v := in.Value
			if strings.HasPrefix(v, "aleo1") && len(v) == 63 {
				out.Recipient = v
			}
			if strings.HasSuffix(v, "u64") {
				if amt, err := decimal.NewFromString(strings.TrimSuffix(v, "u64")); err == nil {
					out.Amount = amt
				}
			}
		}
		if out.Recipient != "" && strings.EqualFold(out.Recipient, recipient) {
			return out, true
		}
	}
	return aleoTransfer{}, false
}
