package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string { return e.msg }

func (e testRPCDataError) ErrorData() interface{} { return e.data }

func TestDecodeRevertDataReasonString(t *testing.T) {
	revertData := encodeErrorString(t, "slippage too high")
	reason := decodeRevertData(revertData)
	if reason != "slippage too high" {
		t.Fatalf("expected decoded revert reason, got %q", reason)
	}
}

func TestDecodeRevertDataCustomErrorSelector(t *testing.T) {
	revertData := common.FromHex("0x12345678")
	reason := decodeRevertData(revertData)
	if !strings.Contains(reason, "0x12345678") {
		t.Fatalf("expected custom error selector in reason, got %q", reason)
	}
}

func TestDecodeRevertDataPanicCode(t *testing.T) {
	data := append(common.FromHex("0x4e487b71"), common.LeftPadBytes([]byte{0x11}, 32)...)
	if reason := decodeRevertData(data); reason != "panic code 0x11" {
		t.Fatalf("unexpected panic reason: %q", reason)
	}
}

func TestDecodeRevertFromErrorWithDataError(t *testing.T) {
	revertData := encodeErrorString(t, "insufficient output amount")
	err := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	reason := decodeRevertFromError(err)
	if reason != "insufficient output amount" {
		t.Fatalf("unexpected decoded reason: %q", reason)
	}
}

func TestWrapEVMExecutionErrorIncludesDecodedRevert(t *testing.T) {
	revertData := encodeErrorString(t, "panic path")
	rootErr := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	wrapped := wrapEVMExecutionError(clierr.CodeActionSim, "simulate call (eth_call)", rootErr)
	var typed *clierr.Error
	if !errors.As(wrapped, &typed) {
		t.Fatalf("expected typed cli error, got %T", wrapped)
	}
	if !strings.Contains(typed.Error(), "panic path") {
		t.Fatalf("expected decoded reason in wrapped error, got: %v", typed)
	}
}

func TestSendRejectsInvalidTargetBeforeRPC(t *testing.T) {
	wallet := NewActiveChainContext(staticSigner{}, nil, DefaultSendOptions(), zerolog.Nop())
	_, err := wallet.Send(context.Background(), Call{Kind: CallSupply, ChainID: 1, Target: "not-an-address", Data: "0x"})
	if err == nil {
		t.Fatal("expected invalid target error")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestSendRequiresActiveChain(t *testing.T) {
	wallet := NewActiveChainContext(staticSigner{}, nil, DefaultSendOptions(), zerolog.Nop())
	_, err := wallet.Send(context.Background(), Call{Kind: CallSupply, ChainID: 8453, Target: "0x00000000000000000000000000000000000000cc", Data: "0x"})
	if !clierr.Is(err, clierr.CodeActionPlan) {
		t.Fatalf("expected action plan error without an active chain, got %v", err)
	}
	if wallet.ChainID() != 0 {
		t.Fatalf("expected no active chain, got %d", wallet.ChainID())
	}
}

func TestSwitchToUnknownChainFails(t *testing.T) {
	wallet := NewActiveChainContext(staticSigner{}, nil, DefaultSendOptions(), zerolog.Nop())
	if err := wallet.SwitchTo(context.Background(), 999999); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported chain error, got %v", err)
	}
}

func TestApprovalPolicyBounds(t *testing.T) {
	spender := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	data, err := erc20ABI.Pack("approve", spender, big.NewInt(100))
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	call := Call{Kind: CallApproval, ChainID: 1, Target: "0x00000000000000000000000000000000000000dd", Data: "0x" + common.Bytes2Hex(data)}

	call.ApprovalCap = big.NewInt(100)
	if err := validateCallPolicy(call); err != nil {
		t.Fatalf("expected bounded approval to pass: %v", err)
	}
	call.ApprovalCap = big.NewInt(99)
	if err := validateCallPolicy(call); !clierr.Is(err, clierr.CodeActionPlan) {
		t.Fatalf("expected over-cap approval to fail, got %v", err)
	}
	call.ApprovalCap = nil
	if err := validateCallPolicy(call); !clierr.Is(err, clierr.CodeActionPlan) {
		t.Fatalf("expected uncapped approval to fail, got %v", err)
	}
	call.ApprovalCap = big.NewInt(100)
	call.Data = "0xdeadbeef"
	if err := validateCallPolicy(call); !clierr.Is(err, clierr.CodeActionPlan) {
		t.Fatalf("expected non-approve calldata to fail, got %v", err)
	}
}

func TestParseGweiAndFeeCap(t *testing.T) {
	v, err := parseGwei("1.5")
	if err != nil || v.String() != "1500000000" {
		t.Fatalf("unexpected gwei parse: %v %v", v, err)
	}
	if _, err := parseGwei("0.0000000001"); err == nil {
		t.Fatal("expected sub-wei value to fail")
	}
	fee, err := resolveFeeCap(big.NewInt(10), big.NewInt(2), "")
	if err != nil || fee.String() != "22" {
		t.Fatalf("unexpected fee cap: %v %v", fee, err)
	}
	if _, err := resolveFeeCap(big.NewInt(10), big.NewInt(2_000_000_000), "1"); err == nil {
		t.Fatal("expected max fee below tip to fail")
	}
}

func TestSendOptionsValidate(t *testing.T) {
	valid := []SendOptions{
		{},
		{MaxFeeGwei: "30"},
		{MaxPriorityFeeGwei: "1.5"},
		{MaxFeeGwei: "2", MaxPriorityFeeGwei: "2"},
	}
	for _, opts := range valid {
		if err := opts.Validate(); err != nil {
			t.Fatalf("expected %+v to validate, got %v", opts, err)
		}
	}
	invalid := []SendOptions{
		{MaxFeeGwei: "abc"},
		{MaxPriorityFeeGwei: "-1"},
		{MaxFeeGwei: "1", MaxPriorityFeeGwei: "2"},
	}
	for _, opts := range invalid {
		if err := opts.Validate(); !clierr.Is(err, clierr.CodeUsage) {
			t.Fatalf("expected usage error for %+v, got %v", opts, err)
		}
	}
}

func TestAcquireSignerNonceLockSerializesSameSignerChain(t *testing.T) {
	unlock := acquireSignerNonceLock(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireSignerNonceLock(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
		close(secondAcquired)
		unlockSecond()
	}()

	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	args := abi.Arguments{{Type: stringTy}}
	encoded, err := args.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}

type staticSigner struct{}

func (staticSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (staticSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}
