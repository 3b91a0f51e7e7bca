package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkhmik004/trustwork/core/state"
	"github.com/mkhmik004/trustwork/gateway/middleware"
	"github.com/mkhmik004/trustwork/native/escrow"
	"github.com/mkhmik004/trustwork/storage"
)

var (
	clientAddr     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	freelancerAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	arbiterAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	strangerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

type rpcEnv struct {
	t      *testing.T
	engine *escrow.Engine
	server *Server
}

func newRPCEnv(t *testing.T) *rpcEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	engine := escrow.NewEngine(state.NewManager(db))
	cfg := escrow.DefaultConfig()
	cfg.Arbiter = arbiterAddr
	engine.SetConfig(cfg)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return &rpcEnv{t: t, engine: engine, server: NewServer(engine)}
}

func (env *rpcEnv) fund(addr common.Address, amount int64) {
	env.t.Helper()
	if _, err := env.engine.Deposit(context.Background(), addr, big.NewInt(amount)); err != nil {
		env.t.Fatalf("fund: %v", err)
	}
}

type callOption func(*http.Request)

func asCaller(addr common.Address) callOption {
	return func(r *http.Request) {
		*r = *r.WithContext(middleware.WithCaller(r.Context(), addr))
	}
}

func asAdmin() callOption {
	return func(r *http.Request) {
		*r = *r.WithContext(context.WithValue(r.Context(), middleware.ContextKeyScopes, []string{"escrow:admin"}))
	}
}

func (env *rpcEnv) call(method string, params interface{}, opts ...callOption) (*httptest.ResponseRecorder, RPCResponse) {
	env.t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: 1}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			env.t.Fatalf("marshal params: %v", err)
		}
		req.Params = []json.RawMessage{raw}
	}
	body, err := json.Marshal(req)
	if err != nil {
		env.t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	for _, opt := range opts {
		opt(httpReq)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httpReq)
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		env.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func decodeResult(t *testing.T, resp RPCResponse, dst interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func errorCode(t *testing.T, resp RPCResponse) string {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected rpc error")
	}
	data, ok := resp.Error.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	code, _ := data["code"].(string)
	return code
}

func createParams(amounts ...string) map[string]interface{} {
	descriptions := make([]string, len(amounts))
	total := new(big.Int)
	for i, amount := range amounts {
		descriptions[i] = "milestone"
		value, _ := new(big.Int).SetString(amount, 10)
		total.Add(total, value)
	}
	return map[string]interface{}{
		"freelancer":   freelancerAddr.Hex(),
		"amounts":      amounts,
		"descriptions": descriptions,
		"value":        total.String(),
	}
}
