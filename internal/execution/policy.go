package execution

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

var policyApproveSelector = erc20ABI.Methods["approve"].ID

// validateCallPolicy runs before anything is signed.
func validateCallPolicy(call Call) error {
	if !common.IsHexAddress(call.Target) {
		return clierr.New(clierr.CodeUsage, "invalid call target address")
	}
	if call.Kind == CallApproval {
		data, err := decodeHex(call.Data)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, "decode approval calldata", err)
		}
		return validateApprovalPolicy(data, call.ApprovalCap)
	}
	return nil
}

func validateApprovalPolicy(data []byte, limit *big.Int) error {
	if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeActionPlan, "approval must use ERC20 approve(spender,amount)")
	}
	args, err := erc20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval calldata is invalid")
	}
	spender, ok := args[0].(common.Address)
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval has invalid spender")
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval has invalid amount")
	}
	if limit == nil {
		return clierr.New(clierr.CodeActionPlan, "approval has no amount bound")
	}
	if amount.Cmp(limit) > 0 {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("approval amount %s exceeds route amount %s", amount, limit))
	}
	return nil
}
