// Package rpcserver is the JSON-RPC 2.0 over HTTP POST transport wrapper
// described in spec §6. It is deliberately thin: decode a method + params,
// call the abstract api.Surface, encode the result or a stable error code.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fluencelabs/capacity-commitment-prover/internal/api"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorObject `json:"error,omitempty"`
}

type rpcErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server is the HTTP JSON-RPC listener. Default bind is 127.0.0.1:9383
// (spec §6); the caller supplies host/port via Config.
type Server struct {
	surface api.Surface
	log     log.Logger
	httpSrv *http.Server
}

func New(surface api.Surface, host string, port int, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	s := &Server{surface: surface, log: logger}
	router := httprouter.New()
	router.POST("/", s.handle)
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until the listener is closed or ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", s.httpSrv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, &rpcErrorObject{Code: -32700, Message: "parse error"})
		return
	}

	ctx := r.Context()
	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		writeError(w, req.ID, &rpcErrorObject{Code: rpcErr.Code, Message: rpcErr.Message})
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *api.RPCError) {
	switch method {
	case "on_active_commitment":
		return s.onActiveCommitment(ctx, params)
	case "on_no_active_commitment":
		return struct{}{}, api.ToRPCError(s.surface.OnNoActiveCommitment(ctx))
	case "realloc_utility_cores":
		return s.reallocUtilityCores(ctx, params)
	case "get_proofs_after":
		return s.getProofsAfter(ctx, params)
	case "get_hashrate":
		return s.getHashrate(ctx)
	default:
		return nil, &api.RPCError{Code: -32601, Message: "method not found: " + method}
	}
}

type onActiveCommitmentParams struct {
	Epoch struct {
		GlobalNonce string `json:"global_nonce"`
		Difficulty  string `json:"difficulty"`
	} `json:"epoch"`
	CUIDs []string `json:"cuids"`
}

func (s *Server) onActiveCommitment(ctx context.Context, raw json.RawMessage) (any, *api.RPCError) {
	var p onActiveCommitmentParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badParams(err)
	}
	gn, err := ccptypes.GlobalNonceFromHex(p.Epoch.GlobalNonce)
	if err != nil {
		return nil, badParams(err)
	}
	diff, err := ccptypes.DifficultyFromHex(p.Epoch.Difficulty)
	if err != nil {
		return nil, badParams(err)
	}
	cuids := make([]ccptypes.CUID, 0, len(p.CUIDs))
	for _, hexStr := range p.CUIDs {
		c, err := ccptypes.CUIDFromHex(hexStr)
		if err != nil {
			return nil, badParams(err)
		}
		cuids = append(cuids, c)
	}
	epoch := ccptypes.EpochParameters{GlobalNonce: gn, Difficulty: diff}
	return struct{}{}, api.ToRPCError(s.surface.OnActiveCommitment(ctx, epoch, cuids))
}

type reallocParams struct {
	Cores []int `json:"cores"`
}

func (s *Server) reallocUtilityCores(ctx context.Context, raw json.RawMessage) (any, *api.RPCError) {
	var p reallocParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badParams(err)
	}
	return struct{}{}, api.ToRPCError(s.surface.ReallocUtilityCores(ctx, p.Cores))
}

type getProofsAfterParams struct {
	Idx   uint64 `json:"idx"`
	Limit int    `json:"limit"`
}

type proofJSON struct {
	Idx         uint64 `json:"idx"`
	GlobalNonce string `json:"global_nonce"`
	Difficulty  string `json:"difficulty"`
	CUID        string `json:"cuid"`
	LocalNonce  string `json:"local_nonce"`
	ResultHash  string `json:"result_hash"`
}

func (s *Server) getProofsAfter(ctx context.Context, raw json.RawMessage) (any, *api.RPCError) {
	var p getProofsAfterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, badParams(err)
	}
	proofs, err := s.surface.GetProofsAfter(ctx, p.Idx, p.Limit)
	if err != nil {
		return nil, api.ToRPCError(err)
	}
	out := make([]proofJSON, 0, len(proofs))
	for _, pr := range proofs {
		out = append(out, proofJSON{
			Idx:         pr.Idx,
			GlobalNonce: pr.Epoch.GlobalNonce.String(),
			Difficulty:  pr.Epoch.Difficulty.String(),
			CUID:        pr.CUID.String(),
			LocalNonce:  pr.LocalNonce.String(),
			ResultHash:  pr.ResultHash.String(),
		})
	}
	return out, nil
}

type hashrateEntryJSON struct {
	CUID            string  `json:"cuid"`
	State           string  `json:"state"`
	HashesPerSecond float64 `json:"hashes_per_second"`
}

type hashrateJSON struct {
	PerCUID []hashrateEntryJSON `json:"per_cuid"`
	Total   float64             `json:"total"`
}

func (s *Server) getHashrate(ctx context.Context) (any, *api.RPCError) {
	snap, err := s.surface.GetHashrate(ctx)
	if err != nil {
		return nil, api.ToRPCError(err)
	}
	out := hashrateJSON{Total: snap.Total}
	for _, r := range snap.PerCUID {
		out.PerCUID = append(out.PerCUID, hashrateEntryJSON{
			CUID:            r.CUID.String(),
			State:           r.State.String(),
			HashesPerSecond: r.HashesPerSecond,
		})
	}
	return out, nil
}

func badParams(err error) *api.RPCError {
	return &api.RPCError{Code: -32602, Message: "invalid params: " + err.Error()}
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, errObj *rpcErrorObject) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: id, Error: errObj})
}
