package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/execution/signer"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// Wallet is the signing account bound to exactly one active chain at a time.
// Every call that touches the chain uses the active chain; switching is
// always explicit.
type Wallet interface {
	Address() common.Address
	ChainID() int64
	SwitchTo(ctx context.Context, chainID int64) error
	// Send signs, broadcasts and waits for the receipt of call on the active
	// chain, returning the transaction hash.
	Send(ctx context.Context, call Call) (string, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
}

type SendOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultSendOptions() SendOptions {
	return SendOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   3 * time.Minute,
		GasMultiplier: 1.2,
	}
}

// Validate checks the fee overrides before anything is signed.
func (o SendOptions) Validate() error {
	var tip *big.Int
	if strings.TrimSpace(o.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(o.MaxPriorityFeeGwei)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		tip = v
	}
	if strings.TrimSpace(o.MaxFeeGwei) != "" {
		fee, err := parseGwei(o.MaxFeeGwei)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if tip != nil && fee.Cmp(tip) < 0 {
			return clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
	}
	return nil
}

func (o SendOptions) normalized() SendOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 3 * time.Minute
	}
	if o.GasMultiplier <= 1 {
		o.GasMultiplier = 1.2
	}
	return o
}

// ActiveChainContext is the go-ethereum backed Wallet.
type ActiveChainContext struct {
	signer       signer.Signer
	rpcOverrides map[int64]string
	opts         SendOptions
	log          zerolog.Logger

	mu      sync.Mutex
	chainID int64
	client  *ethclient.Client
}

func NewActiveChainContext(txSigner signer.Signer, rpcOverrides map[int64]string, opts SendOptions, log zerolog.Logger) *ActiveChainContext {
	return &ActiveChainContext{
		signer:       txSigner,
		rpcOverrides: rpcOverrides,
		opts:         opts.normalized(),
		log:          log,
	}
}

func (c *ActiveChainContext) Address() common.Address {
	return c.signer.Address()
}

func (c *ActiveChainContext) ChainID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID
}

// SwitchTo connects to chainID and verifies the endpoint reports it. Switching
// to the current chain is a no-op.
func (c *ActiveChainContext) SwitchTo(ctx context.Context, chainID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.chainID == chainID {
		return nil
	}
	rpcURL, err := registry.ResolveRPCURL(c.rpcOverrides, chainID)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnsupported, "resolve rpc url", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	reported, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if reported.Int64() != chainID {
		client.Close()
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", chainID, reported.Int64()))
	}
	if c.client != nil {
		c.client.Close()
	}
	c.client = client
	c.chainID = chainID
	c.log.Debug().Int64("chain_id", chainID).Msg("switched active chain")
	return nil
}

func (c *ActiveChainContext) active(chainID int64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, clierr.New(clierr.CodeActionPlan, "no active chain; switch before sending")
	}
	if chainID != 0 && chainID != c.chainID {
		return nil, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("call targets chain %d but active chain is %d", chainID, c.chainID))
	}
	return c.client, nil
}

func (c *ActiveChainContext) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client, err := c.active(0)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, blockNumber)
}

// TokenBalance reads owner's balance of token on the active chain; the native
// sentinel reads the gas balance.
func (c *ActiveChainContext) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	client, err := c.active(0)
	if err != nil {
		return nil, err
	}
	ownerAddr := common.HexToAddress(owner)
	if registry.IsNativeAddress(token) {
		bal, err := client.BalanceAt(ctx, ownerAddr, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
		}
		return bal, nil
	}
	data, err := erc20ABI.Pack("balanceOf", ownerAddr)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf calldata", err)
	}
	tokenAddr := common.HexToAddress(token)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token balance", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid balanceOf response")
	}
	return bal, nil
}

func (c *ActiveChainContext) Send(ctx context.Context, call Call) (string, error) {
	if c.signer == nil {
		return "", clierr.New(clierr.CodeSigner, "missing signer")
	}
	if err := validateCallPolicy(call); err != nil {
		return "", err
	}
	client, err := c.active(call.ChainID)
	if err != nil {
		return "", err
	}
	hash, err := sendCall(ctx, client, c.signer, call, c.opts)
	if err != nil {
		return hash, err
	}
	c.log.Debug().Str("kind", string(call.Kind)).Int64("chain_id", call.ChainID).Str("tx", hash).Msg("transaction confirmed")
	return hash, nil
}

// Close releases the active connection.
func (c *ActiveChainContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.chainID = 0
	}
}

func sendCall(ctx context.Context, client *ethclient.Client, txSigner signer.Signer, call Call, opts SendOptions) (string, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	target := common.HexToAddress(call.Target)
	data, err := decodeHex(call.Data)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "decode call data", err)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: txSigner.Address(), To: &target, Value: value, Data: data}

	if opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return "", wrapEVMExecutionError(clierr.CodeActionSim, "simulate call (eth_call)", err)
		}
	}
	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return "", wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, opts.MaxPriorityFeeGwei)
	if err != nil {
		return "", err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, opts.MaxFeeGwei)
	if err != nil {
		return "", err
	}

	unlock := acquireSignerNonceLock(chainID, txSigner.Address())
	nonce, err := client.PendingNonceAt(ctx, txSigner.Address())
	if err != nil {
		unlock()
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		unlock()
		return "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	err = client.SendTransaction(ctx, signed)
	unlock()
	if err != nil {
		return "", wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	hash := signed.Hash().Hex()
	return hash, waitForReceipt(ctx, client, signed.Hash(), opts)
}

func waitForReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash, opts SendOptions) error {
	waitCtx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce assignment for one signer on one
// chain.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(addr.Hex()))
	v, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func resolveTipCap(ctx context.Context, client *ethclient.Client, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

var (
	revertErrorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	revertPanicSelector = []byte{0x4e, 0x48, 0x7b, 0x71}
)

// decodeRevertData renders Error(string), Panic(uint256) or an unknown custom
// error selector.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	switch {
	case string(data[:4]) == string(revertErrorSelector):
		stringTy, _ := abi.NewType("string", "", nil)
		out, err := abi.Arguments{{Type: stringTy}}.Unpack(data[4:])
		if err == nil && len(out) == 1 {
			if reason, ok := out[0].(string); ok {
				return reason
			}
		}
	case string(data[:4]) == string(revertPanicSelector):
		if len(data) >= 36 {
			return fmt.Sprintf("panic code 0x%x", new(big.Int).SetBytes(data[4:36]))
		}
	}
	return fmt.Sprintf("custom error 0x%x", data[:4])
}

func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(data))
	case []byte:
		return decodeRevertData(data)
	default:
		return ""
	}
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: reverted: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}

var erc20ABI = mustExecutionABI(registry.ERC20MinimalABI)

func mustExecutionABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
