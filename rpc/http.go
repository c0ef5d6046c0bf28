package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"jobgateway/native/custody"
	"jobgateway/native/gateway"
	"jobgateway/native/registry"
	"jobgateway/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeOrderConflict  = -32030
	codeOrderNotFound  = -32031
	codeInvalidStatus  = -32032
	codeInsufficient   = -32033
	codeQuoteRejected  = -32034
	codeTimeoutActive  = -32035
	codeNotBootstrap   = -32036
)

// Server exposes the settlement engine over JSON-RPC. Mutating methods are
// gated by a bearer token when one is configured.
type Server struct {
	engine    *gateway.Engine
	registry  *registry.Engine
	log       *slog.Logger
	authToken string
	metrics   *metrics.RPCMetrics
}

// NewServer wires the RPC surface to the settlement and registry engines. An
// empty token disables authentication, which is only sensible for local
// development.
func NewServer(engine *gateway.Engine, reg *registry.Engine, log *slog.Logger, authToken string) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		registry:  reg,
		log:       log,
		authToken: strings.TrimSpace(authToken),
		metrics:   metrics.RPC(),
	}
}

// Router returns the HTTP handler serving the RPC endpoint, the health probe
// and the metrics scrape target.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Post("/rpc", s.handle)
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if sink, ok := w.(errorCodeSink); ok {
		sink.recordErrorCode(code)
	}
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "bearer token required"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid token"}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w}
	s.dispatch(recorder, r, req)
	errCode := ""
	if recorder.errCode != 0 {
		errCode = strconv.Itoa(recorder.errCode)
	}
	s.metrics.Observe(req.Method, errCode, time.Since(start))
}

// errorCodeSink lets writeError hand the RPC error code to the wrapping
// response writer, so the metrics layer can label failures without re-parsing
// the encoded body.
type errorCodeSink interface {
	recordErrorCode(code int)
}

type statusRecorder struct {
	http.ResponseWriter
	errCode int
}

func (r *statusRecorder) recordErrorCode(code int) {
	if r.errCode == 0 {
		r.errCode = code
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "gateway_getOrder":
		s.handleGetOrder(w, req)
	case "gateway_vaultBalance":
		s.handleVaultBalance(w, req)
	case "registry_record":
		s.handleRegistryRecord(w, req)
	case "gateway_place":
		s.authed(w, r, req, s.handlePlace)
	case "gateway_evaluate":
		s.authed(w, r, req, s.handleEvaluate)
	case "gateway_commit":
		s.authed(w, r, req, s.handleCommit)
	case "gateway_commitQuoted":
		s.authed(w, r, req, s.handleCommitQuoted)
	case "gateway_deliver":
		s.authed(w, r, req, s.handleDeliver)
	case "gateway_decline":
		s.authed(w, r, req, s.handleDecline)
	case "gateway_refund":
		s.authed(w, r, req, s.handleRefund)
	case "gateway_withdraw":
		s.authed(w, r, req, s.handleWithdraw)
	case "gateway_fundProtocol":
		s.authed(w, r, req, s.handleFundProtocol)
	case "registry_bootstrap":
		s.authed(w, r, req, s.handleRegistryBootstrap)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) authed(w http.ResponseWriter, r *http.Request, req *RPCRequest, handler func(http.ResponseWriter, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	handler(w, req)
}

// writeEngineError translates settlement errors into stable RPC error codes.
func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) {
	code := codeServerError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrDuplicateOrder):
		code, status = codeOrderConflict, http.StatusConflict
	case errors.Is(err, gateway.ErrOrderNotFound):
		code, status = codeOrderNotFound, http.StatusNotFound
	case errors.Is(err, gateway.ErrInvalidOrderStatus):
		code, status = codeInvalidStatus, http.StatusConflict
	case errors.Is(err, gateway.ErrInsufficientFunds), errors.Is(err, custody.ErrInsufficientFunds):
		code, status = codeInsufficient, http.StatusBadRequest
	case errors.Is(err, gateway.ErrTimeoutNotReached):
		code, status = codeTimeoutActive, http.StatusConflict
	case errors.Is(err, gateway.ErrDeliverAfterDeadline):
		code, status = codeInvalidStatus, http.StatusConflict
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrInvalidUser):
		code, status = codeUnauthorized, http.StatusForbidden
	case errors.Is(err, gateway.ErrInvalidSignature),
		errors.Is(err, gateway.ErrQuoteExpired),
		errors.Is(err, gateway.ErrInvalidQuotePayload),
		errors.Is(err, gateway.ErrInvalidJobHash),
		errors.Is(err, gateway.ErrInvalidToken):
		code, status = codeQuoteRejected, http.StatusBadRequest
	case errors.Is(err, gateway.ErrInvalidOrderAccount), errors.Is(err, gateway.ErrInvalidOrderVault):
		code, status = codeInvalidStatus, http.StatusConflict
	case errors.Is(err, registry.ErrNotInitialized):
		code, status = codeNotBootstrap, http.StatusConflict
	case errors.Is(err, registry.ErrAlreadyInitialized):
		code, status = codeOrderConflict, http.StatusConflict
	}
	s.log.Warn("rpc call failed", "method", req.Method, "err", err)
	writeError(w, status, req.ID, code, err.Error(), nil)
}
