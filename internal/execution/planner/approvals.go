package planner

import (
	"context"
	"math/big"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// ContractCaller is the read half of an RPC client. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ApproveCall builds an ERC-20 approve for exactly amount.
func ApproveCall(chainID int64, token, spender string, amount *big.Int) (model.DirectCall, error) {
	if !common.IsHexAddress(token) {
		return model.DirectCall{}, clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	if !common.IsHexAddress(spender) {
		return model.DirectCall{}, clierr.New(clierr.CodeUsage, "approval spender must be a valid EVM address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return model.DirectCall{}, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	data, err := plannerERC20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return model.DirectCall{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return model.DirectCall{
		ChainID: chainID,
		Target:  common.HexToAddress(token).Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Amount:  amount.String(),
		Token:   common.HexToAddress(token).Hex(),
	}, nil
}

// Allowance reads token.allowance(owner, spender).
func Allowance(ctx context.Context, caller ContractCaller, token, owner, spender string) (*big.Int, error) {
	tokenAddr := common.HexToAddress(token)
	data, err := plannerERC20ABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance calldata", err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{From: common.HexToAddress(owner), To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
	}
	out, err := plannerERC20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token allowance", err)
	}
	current, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid allowance response")
	}
	return current, nil
}

// ApprovalIfNeeded returns an approve call when the current allowance is
// below amount, and nil when none is required. Native tokens never need one.
func ApprovalIfNeeded(ctx context.Context, caller ContractCaller, chainID int64, token, owner, spender string, amount *big.Int) (*model.DirectCall, error) {
	if registry.IsNativeAddress(token) {
		return nil, nil
	}
	current, err := Allowance(ctx, caller, token, owner, spender)
	if err != nil {
		return nil, err
	}
	if current.Cmp(amount) >= 0 {
		return nil, nil
	}
	call, err := ApproveCall(chainID, token, spender, amount)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

var plannerERC20ABI = mustPlannerABI(registry.ERC20MinimalABI)

var aavePoolABI = mustPlannerABI(registry.AavePoolABI)

func mustPlannerABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
