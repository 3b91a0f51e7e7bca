package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkhmik004/trustwork/gateway/middleware"
	"github.com/mkhmik004/trustwork/native/escrow"
	"github.com/mkhmik004/trustwork/observability"
)

const (
	codeEscrowInvalidParams  = -32021
	codeEscrowNotFound       = -32022
	codeEscrowForbidden      = -32023
	codeEscrowConflict       = -32024
	codeEscrowInternal       = -32025
	codeEscrowTransferFailed = -32026
)

// uintParam accepts either a JSON number or a decimal string.
type uintParam uint64

func (u *uintParam) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(bytes.Trim(data, `"`)))
	if raw == "" || raw == "null" {
		return errors.New("value required")
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %q", raw)
	}
	*u = uintParam(value)
	return nil
}

type createAgreementParams struct {
	Freelancer   string   `json:"freelancer"`
	Amounts      []string `json:"amounts"`
	Descriptions []string `json:"descriptions"`
	Value        string   `json:"value"`
}

type agreementIDParams struct {
	ID *uintParam `json:"id"`
}

type milestoneParams struct {
	ID    *uintParam `json:"id"`
	Index *uintParam `json:"index"`
}

type contractCountParams struct {
	Address string `json:"address,omitempty"`
}

type listAgreementsParams struct {
	Address string `json:"address"`
	Role    string `json:"role"`
}

type addressParams struct {
	Address string `json:"address"`
}

type depositParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type milestoneJSON struct {
	Index       uint64 `json:"index"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	IsReleased  bool   `json:"isReleased"`
	IsDisputed  bool   `json:"isDisputed"`
}

type agreementJSON struct {
	ID              uint64          `json:"id"`
	Client          string          `json:"client"`
	Freelancer      string          `json:"freelancer"`
	TotalAmount     string          `json:"totalAmount"`
	ReleasedAmount  string          `json:"releasedAmount"`
	RemainingAmount string          `json:"remainingAmount"`
	IsActive        bool            `json:"isActive"`
	IsCompleted     bool            `json:"isCompleted"`
	Status          string          `json:"status"`
	CreatedAt       int64           `json:"createdAt"`
	Custody         string          `json:"custody,omitempty"`
	Milestones      []milestoneJSON `json:"milestones"`
}

type refundResult struct {
	Agreement agreementJSON `json:"agreement"`
	Refunded  string        `json:"refunded"`
}

type countResult struct {
	Address string `json:"address,omitempty"`
	Count   uint64 `json:"count"`
}

type listResult struct {
	Address string   `json:"address"`
	Role    string   `json:"role"`
	IDs     []uint64 `json:"ids"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := requireCaller(w, r, req)
	if !ok {
		return
	}
	var params createAgreementParams
	if !decodeParams(w, req, &params) {
		return
	}
	freelancer, err := parseAddress("freelancer", params.Freelancer)
	if err != nil {
		err = fmt.Errorf("%w: %v", escrow.ErrInvalidFreelancer, err)
		recordOperation("create", err)
		s.writeEscrowError(w, req.ID, err)
		return
	}
	amounts := make([]*big.Int, len(params.Amounts))
	for i, raw := range params.Amounts {
		if amounts[i], err = parseAmount(fmt.Sprintf("amounts[%d]", i), raw); err != nil {
			writeInvalidParams(w, req, err)
			return
		}
	}
	value, err := parseAmount("value", params.Value)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	agreement, err := s.engine.CreateAgreement(r.Context(), caller, escrow.CreateRequest{
		Freelancer:   freelancer,
		Amounts:      amounts,
		Descriptions: params.Descriptions,
		Funded:       value,
	})
	recordOperation("create", err)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("agreement created", "id", agreement.ID, "client", caller.Hex(), "freelancer", freelancer.Hex(), "total", agreement.TotalAmount.String())
	writeResult(w, req.ID, formatAgreementJSON(agreement))
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneMutation(w, r, req, "release", s.engine.ReleaseMilestone)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneMutation(w, r, req, "raise_dispute", s.engine.RaiseDispute)
}

func (s *Server) handleClearDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneMutation(w, r, req, "clear_dispute", s.engine.ClearDispute)
}

func (s *Server) handleMilestoneMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest, operation string,
	fn func(context.Context, common.Address, uint64, uint64) (*escrow.Agreement, error)) {
	caller, ok := requireCaller(w, r, req)
	if !ok {
		return
	}
	id, index, ok := decodeMilestoneParams(w, req)
	if !ok {
		return
	}
	agreement, err := fn(r.Context(), caller, id, index)
	recordOperation(operation, err)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("milestone updated", "operation", operation, "id", id, "index", index, "caller", caller.Hex())
	writeResult(w, req.ID, formatAgreementJSON(agreement))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := requireCaller(w, r, req)
	if !ok {
		return
	}
	var params agreementIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	if params.ID == nil {
		writeInvalidParams(w, req, errors.New("id required"))
		return
	}
	agreement, refunded, err := s.engine.Refund(r.Context(), caller, uint64(*params.ID))
	recordOperation("refund", err)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("agreement refunded", "id", agreement.ID, "amount", refunded.String())
	writeResult(w, req.ID, refundResult{Agreement: formatAgreementJSON(agreement), Refunded: refunded.String()})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params agreementIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	if params.ID == nil {
		writeInvalidParams(w, req, errors.New("id required"))
		return
	}
	agreement, err := s.engine.Agreement(r.Context(), uint64(*params.ID))
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	held, err := s.engine.Custody(r.Context(), agreement.ID)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	out := formatAgreementJSON(agreement)
	out.Custody = held.String()
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, index, ok := decodeMilestoneParams(w, req)
	if !ok {
		return
	}
	milestone, err := s.engine.Milestone(r.Context(), id, index)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMilestoneJSON(index, milestone))
}

func (s *Server) handleGetContractCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params contractCountParams
	if len(req.Params) > 0 && !decodeParams(w, req, &params) {
		return
	}
	if strings.TrimSpace(params.Address) == "" {
		count, err := s.engine.AgreementCount(r.Context())
		if err != nil {
			s.writeEscrowError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, countResult{Count: count})
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	count, err := s.engine.ContractCount(r.Context(), addr)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, countResult{Address: addr.Hex(), Count: count})
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listAgreementsParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	role := strings.ToLower(strings.TrimSpace(params.Role))
	var ids []uint64
	switch role {
	case "client":
		ids, err = s.engine.AgreementsByClient(r.Context(), addr)
	case "freelancer":
		ids, err = s.engine.AgreementsByFreelancer(r.Context(), addr)
	default:
		writeInvalidParams(w, req, errors.New("role must be client or freelancer"))
		return
	}
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, listResult{Address: addr.Hex(), Role: role, IDs: ids})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	balance, err := s.engine.Balance(r.Context(), addr)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{Address: addr.Hex(), Balance: balance.String()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !middleware.HasScope(r.Context(), s.adminScope) {
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", fmt.Sprintf("scope %s required", s.adminScope))
		return
	}
	var params depositParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	balance, err := s.engine.Deposit(r.Context(), addr, amount)
	recordOperation("deposit", err)
	if err != nil {
		s.writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("account credited", "address", addr.Hex(), "amount", amount.String())
	writeResult(w, req.ID, balanceResult{Address: addr.Hex(), Balance: balance.String()})
}

func requireCaller(w http.ResponseWriter, r *http.Request, req *RPCRequest) (common.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok || caller == (common.Address{}) {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", "caller identity required")
		return common.Address{}, false
	}
	return caller, true
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func decodeMilestoneParams(w http.ResponseWriter, req *RPCRequest) (uint64, uint64, bool) {
	var params milestoneParams
	if !decodeParams(w, req, &params) {
		return 0, 0, false
	}
	if params.ID == nil || params.Index == nil {
		writeInvalidParams(w, req, errors.New("id and index required"))
		return 0, 0, false
	}
	return uint64(*params.ID), uint64(*params.Index), true
}

func writeInvalidParams(w http.ResponseWriter, req *RPCRequest, err error) {
	writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%s required", field)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s must be a 20-byte hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

// parseAmount accepts any base-10 integer. Sign and range checks belong to
// the engine so that failures carry the engine's error codes.
func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	return amount, nil
}

func formatMilestoneJSON(index uint64, m *escrow.Milestone) milestoneJSON {
	out := milestoneJSON{Index: index, Amount: "0", Description: m.Description, IsReleased: m.IsReleased, IsDisputed: m.IsDisputed}
	if m.Amount != nil {
		out.Amount = m.Amount.String()
	}
	return out
}

func formatAgreementJSON(a *escrow.Agreement) agreementJSON {
	out := agreementJSON{
		ID:              a.ID,
		Client:          a.Client.Hex(),
		Freelancer:      a.Freelancer.Hex(),
		TotalAmount:     amountString(a.TotalAmount),
		ReleasedAmount:  amountString(a.ReleasedAmount),
		RemainingAmount: amountString(a.Remaining()),
		IsActive:        a.IsActive,
		IsCompleted:     a.IsCompleted,
		Status:          string(a.Status()),
		CreatedAt:       a.CreatedAt,
		Milestones:      make([]milestoneJSON, len(a.Milestones)),
	}
	for i := range a.Milestones {
		out.Milestones[i] = formatMilestoneJSON(uint64(i), &a.Milestones[i])
	}
	return out
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func recordOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = escrow.CodeOf(err)
	}
	observability.Escrow().RecordOperation(operation, result)
}

// writeEscrowError maps engine error kinds onto HTTP statuses and JSON-RPC
// codes. The engine's stable code travels in the error data.
func (s *Server) writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	var engineErr *escrow.Error
	if !errors.As(err, &engineErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, id, codeEscrowInternal, "request cancelled", err.Error())
			return
		}
		s.logger.Error("escrow request failed", "error", err)
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", nil)
		return
	}
	data := map[string]string{"code": engineErr.Code, "detail": err.Error()}
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, engineErr.Message, data)
	case engineErr.Kind == escrow.KindValidation:
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, engineErr.Message, data)
	case engineErr.Kind == escrow.KindAuthorization:
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, engineErr.Message, data)
	case engineErr.Kind == escrow.KindConflict:
		writeError(w, http.StatusConflict, id, codeEscrowConflict, engineErr.Message, data)
	case engineErr.Kind == escrow.KindTransfer:
		s.logger.Warn("escrow transfer failed", "code", engineErr.Code, "error", err)
		writeError(w, http.StatusBadGateway, id, codeEscrowTransferFailed, engineErr.Message, data)
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, engineErr.Message, data)
	}
}
