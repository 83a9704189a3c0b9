package planner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	testOwner = "0x00000000000000000000000000000000000000AA"
	testPool  = "0x00000000000000000000000000000000000000CC"
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type plannerRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

func TestAaveSupplyStepsAddsApprovalWhenAllowanceShort(t *testing.T) {
	rpc := newPlannerRPCServer(t, big.NewInt(0))
	defer rpc.Close()
	client := dialPlannerRPC(t, rpc.URL)

	steps, err := AaveSupplySteps(context.Background(), client, testOwner, AaveSupplyRequest{
		ChainID:    8453,
		Pool:       testPool,
		Asset:      baseUSDC,
		Amount:     big.NewInt(1_000_000),
		OnBehalfOf: "0x00000000000000000000000000000000000000BB",
	})
	if err != nil {
		t.Fatalf("AaveSupplySteps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected approval + supply steps, got %d", len(steps))
	}
	if !strings.EqualFold(steps[0].Target, baseUSDC) {
		t.Fatalf("expected approval to target token, got %s", steps[0].Target)
	}
	if !strings.EqualFold(steps[1].Target, testPool) {
		t.Fatalf("unexpected supply target: %s", steps[1].Target)
	}
}

func TestAaveSupplyStepsSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	rpc := newPlannerRPCServer(t, big.NewInt(5_000_000))
	defer rpc.Close()
	client := dialPlannerRPC(t, rpc.URL)

	steps, err := AaveSupplySteps(context.Background(), client, testOwner, AaveSupplyRequest{
		ChainID:    8453,
		Pool:       testPool,
		Asset:      baseUSDC,
		Amount:     big.NewInt(1_000_000),
		OnBehalfOf: testOwner,
	})
	if err != nil {
		t.Fatalf("AaveSupplySteps failed: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected supply step only, got %d", len(steps))
	}
}

func TestAaveSupplyCallEncodesArguments(t *testing.T) {
	call, err := AaveSupplyCall(AaveSupplyRequest{
		ChainID:    8453,
		Asset:      baseUSDC,
		Amount:     big.NewInt(2_500_000),
		OnBehalfOf: "0x00000000000000000000000000000000000000BB",
	})
	if err != nil {
		t.Fatalf("AaveSupplyCall failed: %v", err)
	}
	if call.Target != "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5" {
		t.Fatalf("expected registry pool for base, got %s", call.Target)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(call.Data, "0x"))
	if err != nil {
		t.Fatalf("decode calldata: %v", err)
	}
	method, err := aavePoolABI.MethodById(raw[:4])
	if err != nil || method.Name != "supply" {
		t.Fatalf("expected supply selector, got %v (%v)", method, err)
	}
	args, err := method.Inputs.Unpack(raw[4:])
	if err != nil {
		t.Fatalf("unpack supply args: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(baseUSDC) {
		t.Fatalf("unexpected asset arg: %v", args[0])
	}
	if args[1].(*big.Int).Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("unexpected amount arg: %v", args[1])
	}
	if args[2].(common.Address) != common.HexToAddress("0x00000000000000000000000000000000000000BB") {
		t.Fatalf("unexpected onBehalfOf arg: %v", args[2])
	}
}

func TestAaveSupplyCallRejectsInvalidInputs(t *testing.T) {
	cases := []AaveSupplyRequest{
		{ChainID: 8453, Asset: "0x0000000000000000000000000000000000000000", Amount: big.NewInt(1), OnBehalfOf: testOwner},
		{ChainID: 8453, Asset: baseUSDC, Amount: big.NewInt(0), OnBehalfOf: testOwner},
		{ChainID: 8453, Asset: baseUSDC, Amount: big.NewInt(1), OnBehalfOf: "nope"},
		{ChainID: 534352, Asset: baseUSDC, Amount: big.NewInt(1), OnBehalfOf: testOwner},
	}
	for i, req := range cases {
		if _, err := AaveSupplyCall(req); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestApproveCallRejectsInvalidAmount(t *testing.T) {
	if _, err := ApproveCall(8453, baseUSDC, testPool, big.NewInt(0)); err == nil {
		t.Fatal("expected invalid amount error")
	}
}

func TestApprovalIfNeededIgnoresNativeToken(t *testing.T) {
	call, err := ApprovalIfNeeded(context.Background(), nil, 8453, "0x0000000000000000000000000000000000000000", testOwner, testPool, big.NewInt(1))
	if err != nil || call != nil {
		t.Fatalf("expected no approval for native token, got %v %v", call, err)
	}
}

func TestAaveWithdrawCall(t *testing.T) {
	call, err := AaveWithdrawCall(42161, "", "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", testOwner, big.NewInt(10))
	if err != nil {
		t.Fatalf("AaveWithdrawCall failed: %v", err)
	}
	if call.Target != "0x794a61358D6845594F94dc1DB02A252b5b4814aD" {
		t.Fatalf("unexpected pool: %s", call.Target)
	}
}

func dialPlannerRPC(t *testing.T, url string) *ethclient.Client {
	t.Helper()
	client, err := ethclient.Dial(url)
	if err != nil {
		t.Fatalf("dial rpc: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newPlannerRPCServer(t *testing.T, allowance *big.Int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req plannerRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case "eth_call":
			encoded, err := plannerERC20ABI.Methods["allowance"].Outputs.Pack(allowance)
			if err != nil {
				t.Errorf("pack allowance response: %v", err)
				return
			}
			writePlannerRPCResult(w, req.ID, "0x"+hex.EncodeToString(encoded))
		default:
			writePlannerRPCError(w, req.ID, -32601, fmt.Sprintf("method not supported in test: %s", req.Method))
		}
	}))
}

func writePlannerRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, rawPlannerID(id), result)
}

func writePlannerRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, rawPlannerID(id), code, message)
}

func rawPlannerID(id json.RawMessage) string {
	if len(id) == 0 {
		return "1"
	}
	return string(id)
}
