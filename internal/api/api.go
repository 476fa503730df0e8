// Package api defines the abstract contract consumed by the JSON-RPC
// transport (spec §4.H): on_active_commitment, on_no_active_commitment,
// get_proofs_after, realloc_utility_cores, get_hashrate.
package api

import (
	"context"
	"time"

	"github.com/fluencelabs/capacity-commitment-prover/internal/prover"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
)

// Surface is the public contract of the prover core, independent of any
// particular transport.
type Surface interface {
	OnActiveCommitment(ctx context.Context, epoch ccptypes.EpochParameters, cuids []ccptypes.CUID) error
	OnNoActiveCommitment(ctx context.Context) error
	ReallocUtilityCores(ctx context.Context, cores []int) error
	GetProofsAfter(ctx context.Context, after uint64, limit int) ([]ccptypes.Proof, error)
	GetHashrate(ctx context.Context) (HashrateSnapshot, error)
}

// HashrateSnapshot is the payload returned by get_hashrate.
type HashrateSnapshot struct {
	PerCUID []prover.HashrateReport
	Total   float64
}

// hashrateWindow is the lookback used to compute an instantaneous rate; it
// only affects how "now" is approximated, not correctness (spec §9).
const hashrateWindow = 10 * time.Second

// Server adapts a *prover.Supervisor to the Surface interface.
type Server struct {
	supervisor *prover.Supervisor
}

func NewServer(supervisor *prover.Supervisor) *Server {
	return &Server{supervisor: supervisor}
}

func (s *Server) OnActiveCommitment(ctx context.Context, epoch ccptypes.EpochParameters, cuids []ccptypes.CUID) error {
	return s.supervisor.OnActiveCommitment(ctx, epoch, cuids)
}

func (s *Server) OnNoActiveCommitment(ctx context.Context) error {
	return s.supervisor.OnNoActiveCommitment(ctx)
}

func (s *Server) ReallocUtilityCores(ctx context.Context, cores []int) error {
	return s.supervisor.ReallocUtilityCores(cores)
}

func (s *Server) GetProofsAfter(ctx context.Context, after uint64, limit int) ([]ccptypes.Proof, error) {
	return s.supervisor.GetProofsAfter(after, limit), nil
}

func (s *Server) GetHashrate(ctx context.Context) (HashrateSnapshot, error) {
	per, total := s.supervisor.GetHashrate(hashrateWindow)
	return HashrateSnapshot{PerCUID: per, Total: total}, nil
}
