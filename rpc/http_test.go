package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveRaw(t *testing.T, server *Server, body string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	env := newRPCEnv(t)
	cases := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"empty", "  ", http.StatusBadRequest, codeInvalidRequest},
		{"not json", "{", http.StatusBadRequest, codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"escrow_getContract","id":1}`, http.StatusBadRequest, codeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"bank_getBalance","id":1}`, http.StatusNotFound, codeMethodNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := serveRaw(t, env.server, tc.body)
			if rec.Code != tc.status || resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected %d/%d, got %d %+v", tc.status, tc.code, rec.Code, resp.Error)
			}
		})
	}
}

func TestServerBodyLimit(t *testing.T) {
	env := newRPCEnv(t)
	server := NewServer(env.engine, WithMaxBodyBytes(32))
	body := `{"jsonrpc":"2.0","method":"escrow_getContractCount","id":1,"params":[]}`
	rec, resp := serveRaw(t, server, body)
	if rec.Code != http.StatusRequestEntityTooLarge || resp.Error == nil {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestServerWithoutEngine(t *testing.T) {
	server := NewServer(nil)
	rec, resp := serveRaw(t, server, `{"jsonrpc":"2.0","method":"escrow_getContractCount","id":"a"}`)
	if rec.Code != http.StatusServiceUnavailable || resp.Error == nil {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if resp.ID != "a" {
		t.Fatalf("string id not echoed: %v", resp.ID)
	}
}

func TestServerEchoesNumericID(t *testing.T) {
	env := newRPCEnv(t)
	rec, resp := serveRaw(t, env.server, `{"jsonrpc":"2.0","method":"escrow_getContractCount","id":42}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if id, ok := resp.ID.(float64); !ok || id != 42 {
		t.Fatalf("unexpected id %v", resp.ID)
	}
}
