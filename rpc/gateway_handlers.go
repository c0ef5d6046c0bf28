package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"jobgateway/crypto"
	"jobgateway/native/gateway"
	"jobgateway/native/registry"
)

// OrderResult is the JSON projection of a settlement order.
type OrderResult struct {
	ID              string `json:"id"`
	Requester       string `json:"requester"`
	JobHash         string `json:"jobHash"`
	ResultHash      string `json:"resultHash,omitempty"`
	Token           string `json:"token,omitempty"`
	Price           string `json:"price"`
	PriceValidUntil int64  `json:"priceValidUntil,omitempty"`
	Deadline        int64  `json:"deadline,omitempty"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"createdAt"`
	StartedAt       int64  `json:"startedAt,omitempty"`
	CompletedAt     int64  `json:"completedAt,omitempty"`
}

func formatOrder(o *gateway.Order) *OrderResult {
	if o == nil {
		return nil
	}
	result := &OrderResult{
		ID:              "0x" + hex.EncodeToString(o.ID[:]),
		Requester:       crypto.NewAddress(crypto.JobPrefix, append([]byte(nil), o.Requester[:]...)).String(),
		JobHash:         "0x" + hex.EncodeToString(o.JobHash[:]),
		Token:           o.Token,
		Price:           o.Price.String(),
		PriceValidUntil: o.PriceValidUntil,
		Deadline:        o.Deadline,
		Status:          o.Status.String(),
		CreatedAt:       o.CreatedAt,
		StartedAt:       o.StartedAt,
		CompletedAt:     o.CompletedAt,
	}
	if o.ResultHash != ([32]byte{}) {
		result.ResultHash = "0x" + hex.EncodeToString(o.ResultHash[:])
	}
	return result
}

func parseAddressParam(value, field string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, fmt.Errorf("invalid %s: %w", field, err)
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parseHash32Param(value, field string) ([32]byte, error) {
	var out [32]byte
	raw, err := parseHexParam(value, field)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid %s: expected 32 bytes, got %d", field, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseHexParam(value, field string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return raw, nil
}

func parseAmountParam(value, field string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: not a base-10 integer", field)
	}
	return amount, nil
}

func singleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handlePlace(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Requester string `json:"requester"`
		JobHash   string `json:"jobHash"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	requester, err := parseAddressParam(params.Requester, "requester")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	jobHash, err := parseHash32Param(params.JobHash, "jobHash")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, err := s.engine.Place(requester, jobHash)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		OrderID  string `json:"orderId"`
		Caller   string `json:"caller"`
		Price    string `json:"price"`
		Deadline int64  `json:"deadline"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash32Param(params.OrderID, "orderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	price, err := parseAmountParam(params.Price, "price")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, err := s.engine.Evaluate(id, caller, price, params.Deadline)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleCommit(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		OrderID string `json:"orderId"`
		Caller  string `json:"caller"`
		Token   string `json:"token"`
		Amount  string `json:"amount"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash32Param(params.OrderID, "orderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmountParam(params.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, err := s.engine.Commit(id, caller, params.Token, amount)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleCommitQuoted(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Requester string `json:"requester"`
		JobHash   string `json:"jobHash"`
		Token     string `json:"token"`
		Quote     string `json:"quote"`
		Signature string `json:"signature"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	requester, err := parseAddressParam(params.Requester, "requester")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	jobHash, err := parseHash32Param(params.JobHash, "jobHash")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	payload, err := parseHexParam(params.Quote, "quote")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	sig, err := parseHexParam(params.Signature, "signature")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, err := s.engine.CommitQuoted(requester, jobHash, params.Token, payload, sig)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleDeliver(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		OrderID    string `json:"orderId"`
		Caller     string `json:"caller"`
		ResultHash string `json:"resultHash"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash32Param(params.OrderID, "orderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	resultHash, err := parseHash32Param(params.ResultHash, "resultHash")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, err := s.engine.Deliver(id, caller, resultHash)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleDecline(w http.ResponseWriter, req *RPCRequest) {
	s.handleSettle(w, req, s.engine.Decline)
}

func (s *Server) handleRefund(w http.ResponseWriter, req *RPCRequest) {
	s.handleSettle(w, req, s.engine.Refund)
}

func (s *Server) handleSettle(w http.ResponseWriter, req *RPCRequest, settle func([32]byte, [20]byte) (*gateway.Order, error)) {
	var params struct {
		OrderID string `json:"orderId"`
		Caller  string `json:"caller"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash32Param(params.OrderID, "orderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, err := settle(id, caller)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Token  string `json:"token"`
		Caller string `json:"caller"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := s.engine.Withdraw(params.Token, caller)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": amount.String()})
}

func (s *Server) handleFundProtocol(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		From   string `json:"from"`
		Token  string `json:"token"`
		Amount string `json:"amount"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	from, err := parseAddressParam(params.From, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmountParam(params.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.FundProtocol(from, params.Token, amount); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"funded": true})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		OrderID string `json:"orderId"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := parseHash32Param(params.OrderID, "orderId")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	order, ok, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeOrderNotFound, "order not found", nil)
		return
	}
	writeResult(w, req.ID, formatOrder(order))
}

func (s *Server) handleVaultBalance(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		OrderID string `json:"orderId,omitempty"`
		Token   string `json:"token"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var balance *big.Int
	var err error
	if strings.TrimSpace(params.OrderID) == "" {
		balance, err = s.engine.ProtocolBalance(params.Token)
	} else {
		var id [32]byte
		id, err = parseHash32Param(params.OrderID, "orderId")
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		balance, err = s.engine.EscrowBalance(id, params.Token)
	}
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}

func (s *Server) handleRegistryBootstrap(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Admin        string `json:"admin"`
		QuoteSigner  string `json:"quoteSigner,omitempty"`
		FeeRecipient string `json:"feeRecipient,omitempty"`
	}
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	admin, err := parseAddressParam(params.Admin, "admin")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var signer, recipient [20]byte
	if strings.TrimSpace(params.QuoteSigner) != "" {
		if signer, err = parseAddressParam(params.QuoteSigner, "quoteSigner"); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	if strings.TrimSpace(params.FeeRecipient) != "" {
		if recipient, err = parseAddressParam(params.FeeRecipient, "feeRecipient"); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	record, err := s.registry.Bootstrap(admin, signer, recipient)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatRecord(record))
}

func (s *Server) handleRegistryRecord(w http.ResponseWriter, req *RPCRequest) {
	record, err := s.registry.Record()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatRecord(record))
}

// RecordResult is the JSON projection of the governance record.
type RecordResult struct {
	Authority    string `json:"authority"`
	QuoteSigner  string `json:"quoteSigner"`
	FeeRecipient string `json:"feeRecipient"`
}

func formatRecord(r *registry.Record) *RecordResult {
	if r == nil {
		return nil
	}
	encode := func(addr [20]byte) string {
		return crypto.NewAddress(crypto.JobPrefix, append([]byte(nil), addr[:]...)).String()
	}
	return &RecordResult{
		Authority:    encode(r.Authority),
		QuoteSigner:  encode(r.QuoteSigner),
		FeeRecipient: encode(r.FeeRecipient),
	}
}
