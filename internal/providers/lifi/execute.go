package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/amount"
	"github.com/Michael-Nwachukwu/boundless/internal/execution"
	"github.com/Michael-Nwachukwu/boundless/internal/execution/planner"
	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

type stepJSON struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Tool        string `json:"tool"`
	ToolDetails struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"toolDetails"`
	Action struct {
		FromChainID int64     `json:"fromChainId"`
		ToChainID   int64     `json:"toChainId"`
		FromToken   tokenJSON `json:"fromToken"`
		ToToken     tokenJSON `json:"toToken"`
		FromAmount  string    `json:"fromAmount"`
	} `json:"action"`
	Estimate           estimateJSON `json:"estimate"`
	TransactionRequest *txRequest   `json:"transactionRequest,omitempty"`
}

type estimateJSON struct {
	ApprovalAddress string `json:"approvalAddress"`
	ToAmount        string `json:"toAmount"`
	ToAmountMin     string `json:"toAmountMin"`
	ToAmountUSD     string `json:"toAmountUSD"`
	GasCosts        []struct {
		AmountUSD string `json:"amountUSD"`
	} `json:"gasCosts"`
}

func (e estimateJSON) gasUSD() decimal.Decimal {
	total := decimal.Zero
	for _, gc := range e.GasCosts {
		total = total.Add(parseUSD(gc.AmountUSD))
	}
	return total
}

type txRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	ChainID int64  `json:"chainId"`
}

type statusResponse struct {
	Status           string `json:"status"`
	Substatus        string `json:"substatus"`
	SubstatusMessage string `json:"substatusMessage"`
	Receiving        struct {
		TxHash string `json:"txHash"`
		Amount string `json:"amount"`
	} `json:"receiving"`
}

// ExecutePath runs every step of a path in order: approve the step's spender
// when the allowance is short, send the step transaction, and for cross-chain
// steps wait until the bridge reports the funds delivered.
func (c *Client) ExecutePath(ctx context.Context, wallet execution.Wallet, path model.Path) (execution.PathResult, error) {
	var payload struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(path.Raw, &payload); err != nil || len(payload.Steps) == 0 {
		return execution.PathResult{}, clierr.New(clierr.CodeActionPlan, "path has no executable steps")
	}

	var result execution.PathResult
	for i, raw := range payload.Steps {
		var step stepJSON
		if err := json.Unmarshal(raw, &step); err != nil {
			return result, clierr.Wrap(clierr.CodeActionPlan, "decode path step", err)
		}
		txs, received, err := c.executeStep(ctx, wallet, raw, step)
		result.Transactions = append(result.Transactions, txs...)
		if err != nil {
			return result, fmt.Errorf("step %d/%d via %s: %w", i+1, len(payload.Steps), firstNonEmpty(step.ToolDetails.Name, step.Tool, "lifi"), err)
		}
		if received != "" {
			result.ReceivedAmount = received
		}
	}
	return result, nil
}

func (c *Client) executeStep(ctx context.Context, wallet execution.Wallet, raw json.RawMessage, step stepJSON) ([]model.TxRecord, string, error) {
	chainID := step.Action.FromChainID
	if err := wallet.SwitchTo(ctx, chainID); err != nil {
		return nil, "", err
	}

	tx := step.TransactionRequest
	if tx == nil || strings.TrimSpace(tx.Data) == "" {
		populated, err := c.stepTransaction(ctx, raw)
		if err != nil {
			return nil, "", err
		}
		tx = populated.TransactionRequest
		step.Estimate = populated.Estimate
	}
	if tx == nil || !common.IsHexAddress(tx.To) || strings.TrimSpace(tx.Data) == "" {
		return nil, "", clierr.New(clierr.CodeActionPlan, "lifi step missing executable transaction payload")
	}
	if tx.ChainID != 0 && tx.ChainID != chainID {
		return nil, "", clierr.New(clierr.CodeActionPlan, "lifi transaction chain does not match step source chain")
	}
	value, err := parseHexValue(tx.Value)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeActionPlan, "parse step transaction value", err)
	}

	txs := make([]model.TxRecord, 0, 2)
	token := step.Action.FromToken.Address
	spender := step.Estimate.ApprovalAddress
	if !registry.IsNativeAddress(token) && common.IsHexAddress(spender) {
		amt, err := amount.ParseBaseUnits(step.Action.FromAmount)
		if err != nil {
			return nil, "", clierr.Wrap(clierr.CodeActionPlan, "parse step amount", err)
		}
		approval, err := planner.ApprovalIfNeeded(ctx, wallet, chainID, token, wallet.Address().Hex(), spender, amt)
		if err != nil {
			return nil, "", err
		}
		if approval != nil {
			hash, err := wallet.Send(ctx, execution.Call{
				Kind:        execution.CallApproval,
				ChainID:     chainID,
				Target:      approval.Target,
				Data:        approval.Data,
				ApprovalCap: amt,
			})
			if hash != "" {
				txs = append(txs, model.TxRecord{ChainID: chainID, Kind: string(execution.CallApproval), Hash: hash})
			}
			if err != nil {
				return txs, "", err
			}
		}
	}

	hash, err := wallet.Send(ctx, execution.Call{
		Kind:    execution.CallBridge,
		ChainID: chainID,
		Target:  common.HexToAddress(tx.To).Hex(),
		Data:    ensureHexPrefix(tx.Data),
		Value:   value,
	})
	if hash != "" {
		txs = append(txs, model.TxRecord{ChainID: chainID, Kind: string(execution.CallBridge), Hash: hash})
	}
	if err != nil {
		return txs, "", err
	}

	received := firstNonEmpty(step.Estimate.ToAmountMin, step.Estimate.ToAmount)
	if step.Action.ToChainID == 0 || step.Action.ToChainID == chainID {
		return txs, received, nil
	}
	status, err := c.waitForSettlement(ctx, hash, firstNonEmpty(step.Tool, step.ToolDetails.Key), chainID, step.Action.ToChainID)
	if err != nil {
		return txs, "", err
	}
	if status.Receiving.TxHash != "" {
		txs = append(txs, model.TxRecord{ChainID: step.Action.ToChainID, Kind: "receive", Hash: status.Receiving.TxHash})
	}
	return txs, firstNonEmpty(status.Receiving.Amount, received), nil
}

// stepTransaction asks the service to populate the transaction of a route
// step.
func (c *Client) stepTransaction(ctx context.Context, raw json.RawMessage) (stepJSON, error) {
	var populated stepJSON
	if err := c.postJSON(ctx, "/advanced/stepTransaction", raw, &populated); err != nil {
		return stepJSON{}, err
	}
	return populated, nil
}

// waitForSettlement polls the status endpoint until the transfer is DONE or
// FAILED, or the settlement timeout elapses.
func (c *Client) waitForSettlement(ctx context.Context, txHash, bridge string, fromChain, toChain int64) (statusResponse, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	vals := url.Values{}
	vals.Set("txHash", txHash)
	if bridge != "" {
		vals.Set("bridge", bridge)
	}
	vals.Set("fromChain", strconv.FormatInt(fromChain, 10))
	vals.Set("toChain", strconv.FormatInt(toChain, 10))
	statusURL := c.baseURL + "/status?" + vals.Encode()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.fetchStatus(waitCtx, statusURL)
		switch {
		case err != nil:
			c.log.Debug().Err(err).Str("tx", txHash).Msg("bridge status unavailable, retrying")
		case strings.EqualFold(status.Status, "DONE"):
			if strings.EqualFold(status.Substatus, "REFUNDED") {
				return status, clierr.New(clierr.CodeActionPlan, "bridge transfer refunded on source chain")
			}
			c.log.Info().Str("tx", txHash).Str("substatus", status.Substatus).Msg("bridge settled")
			return status, nil
		case strings.EqualFold(status.Status, "FAILED") || strings.EqualFold(status.Status, "INVALID"):
			msg := firstNonEmpty(status.SubstatusMessage, status.Substatus, "no reason given")
			return status, clierr.New(clierr.CodeActionPlan, "bridge transfer failed: "+msg)
		default:
			c.log.Debug().Str("tx", txHash).Str("status", status.Status).Str("substatus", status.Substatus).Msg("bridge pending")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return statusResponse{}, ctx.Err()
			}
			return statusResponse{}, clierr.New(clierr.CodeActionTimeout, "timed out waiting for bridge settlement of "+txHash)
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchStatus(ctx context.Context, statusURL string) (statusResponse, error) {
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return statusResponse{}, clierr.Wrap(clierr.CodeInternal, "build lifi status request", err)
	}
	c.setHeaders(hReq.Header)
	var resp statusResponse
	_, err = c.http.DoJSON(ctx, hReq, &resp)
	c.observe(err)
	return resp, err
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func parseHexValue(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
		base = 16
		if clean == "" {
			return new(big.Int), nil
		}
	}
	n, ok := new(big.Int).SetString(clean, base)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid transaction value %q", v)
	}
	return n, nil
}
