package planner

import (
	"context"
	"math/big"
	"strings"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// AaveSupplyRequest describes Pool.supply(asset, amount, onBehalfOf, 0).
type AaveSupplyRequest struct {
	ChainID    int64
	Pool       string
	Asset      string
	Amount     *big.Int
	OnBehalfOf string
}

// AaveSupplyCall builds the supply call. When Pool is empty the registry
// pool for the chain is used.
func AaveSupplyCall(req AaveSupplyRequest) (model.DirectCall, error) {
	pool, asset, onBehalfOf, err := normalizeSupplyInputs(req)
	if err != nil {
		return model.DirectCall{}, err
	}
	data, err := aavePoolABI.Pack("supply", asset, req.Amount, onBehalfOf, uint16(0))
	if err != nil {
		return model.DirectCall{}, clierr.Wrap(clierr.CodeInternal, "pack aave supply calldata", err)
	}
	return model.DirectCall{
		ChainID: req.ChainID,
		Target:  pool.Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Amount:  req.Amount.String(),
		Token:   asset.Hex(),
	}, nil
}

// AaveSupplySteps returns the approval (when the pool's allowance is short)
// followed by the supply call, for owner supplying on behalf of
// req.OnBehalfOf.
func AaveSupplySteps(ctx context.Context, caller ContractCaller, owner string, req AaveSupplyRequest) ([]model.DirectCall, error) {
	supply, err := AaveSupplyCall(req)
	if err != nil {
		return nil, err
	}
	steps := make([]model.DirectCall, 0, 2)
	approval, err := ApprovalIfNeeded(ctx, caller, req.ChainID, supply.Token, owner, supply.Target, req.Amount)
	if err != nil {
		return nil, err
	}
	if approval != nil {
		steps = append(steps, *approval)
	}
	return append(steps, supply), nil
}

// AaveWithdrawCall builds Pool.withdraw(asset, amount, to).
func AaveWithdrawCall(chainID int64, pool, asset, to string, amount *big.Int) (model.DirectCall, error) {
	if strings.TrimSpace(pool) == "" {
		pool, _ = registry.AavePool(chainID)
	}
	if !common.IsHexAddress(pool) || !common.IsHexAddress(asset) || !common.IsHexAddress(to) {
		return model.DirectCall{}, clierr.New(clierr.CodeUsage, "aave withdraw requires valid pool, asset and recipient addresses")
	}
	if amount == nil || amount.Sign() <= 0 {
		return model.DirectCall{}, clierr.New(clierr.CodeUsage, "withdraw amount must be a positive integer in base units")
	}
	data, err := aavePoolABI.Pack("withdraw", common.HexToAddress(asset), amount, common.HexToAddress(to))
	if err != nil {
		return model.DirectCall{}, clierr.Wrap(clierr.CodeInternal, "pack aave withdraw calldata", err)
	}
	return model.DirectCall{
		ChainID: chainID,
		Target:  common.HexToAddress(pool).Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Amount:  amount.String(),
		Token:   common.HexToAddress(asset).Hex(),
	}, nil
}

// ReserveLiquidityRate reads currentLiquidityRate (ray) for asset.
func ReserveLiquidityRate(ctx context.Context, caller ContractCaller, pool, asset string) (*big.Int, error) {
	poolAddr := common.HexToAddress(pool)
	data, err := aavePoolABI.Pack("getReserveData", common.HexToAddress(asset))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack getReserveData calldata", err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &poolAddr, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read aave reserve data", err)
	}
	out, err := aavePoolABI.Unpack("getReserveData", raw)
	if err != nil || len(out) < 3 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode aave reserve data", err)
	}
	rate, ok := out[2].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid liquidity rate in reserve data")
	}
	return rate, nil
}

// AccountData is Pool.getUserAccountData in base currency units (8 decimals
// USD) with the health factor in wad.
type AccountData struct {
	TotalCollateralBase  *big.Int
	TotalDebtBase        *big.Int
	AvailableBorrowsBase *big.Int
	HealthFactor         *big.Int
}

func UserAccountData(ctx context.Context, caller ContractCaller, pool, user string) (AccountData, error) {
	poolAddr := common.HexToAddress(pool)
	data, err := aavePoolABI.Pack("getUserAccountData", common.HexToAddress(user))
	if err != nil {
		return AccountData{}, clierr.Wrap(clierr.CodeInternal, "pack getUserAccountData calldata", err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &poolAddr, Data: data}, nil)
	if err != nil {
		return AccountData{}, clierr.Wrap(clierr.CodeUnavailable, "read aave account data", err)
	}
	out, err := aavePoolABI.Unpack("getUserAccountData", raw)
	if err != nil || len(out) != 6 {
		return AccountData{}, clierr.Wrap(clierr.CodeUnavailable, "decode aave account data", err)
	}
	values := make([]*big.Int, len(out))
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok {
			return AccountData{}, clierr.New(clierr.CodeUnavailable, "invalid aave account data field")
		}
		values[i] = n
	}
	return AccountData{
		TotalCollateralBase:  values[0],
		TotalDebtBase:        values[1],
		AvailableBorrowsBase: values[2],
		HealthFactor:         values[5],
	}, nil
}

func normalizeSupplyInputs(req AaveSupplyRequest) (common.Address, common.Address, common.Address, error) {
	pool := strings.TrimSpace(req.Pool)
	if pool == "" {
		known, ok := registry.AavePool(req.ChainID)
		if !ok {
			return common.Address{}, common.Address{}, common.Address{}, clierr.New(clierr.CodeUnsupported, "no aave pool known for chain")
		}
		pool = known
	}
	if !common.IsHexAddress(pool) {
		return common.Address{}, common.Address{}, common.Address{}, clierr.New(clierr.CodeUsage, "aave pool must be a valid EVM address")
	}
	if !common.IsHexAddress(req.Asset) || registry.IsNativeAddress(req.Asset) {
		return common.Address{}, common.Address{}, common.Address{}, clierr.New(clierr.CodeUsage, "aave supply requires an ERC20 asset address")
	}
	if !common.IsHexAddress(req.OnBehalfOf) {
		return common.Address{}, common.Address{}, common.Address{}, clierr.New(clierr.CodeUsage, "aave supply requires a valid onBehalfOf address")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return common.Address{}, common.Address{}, common.Address{}, clierr.New(clierr.CodeUsage, "supply amount must be a positive integer in base units")
	}
	return common.HexToAddress(pool), common.HexToAddress(req.Asset), common.HexToAddress(req.OnBehalfOf), nil
}
