// Package parallel abstracts the distributed runtime this model runs
// under. The forward computation is replicated across cooperating
// processes, each owning a shard of the parameters; this package only
// answers capability questions (stage roles, world sizes) and performs
// the collectives the model needs. Collective failures are fatal to the
// forward call: process group state is inconsistent afterwards, so no
// retry is attempted here.
package parallel

import (
	"fmt"

	"github.com/anyres/anyres/ml"
)

type Runtime interface {
	// pipeline parallelism
	PipelineRank() int
	PipelineWorldSize() int
	IsFirstStage() bool
	IsLastStage() bool

	// EncoderPipelineSize is the number of leading pipeline stages
	// dedicated to the vision encoder (0 when the encoder shares the
	// first language stage).
	EncoderPipelineSize() int

	// tensor/sequence parallelism
	TensorWorldSize() int
	SequenceParallel() bool

	// GatherSequenceParallel re-assembles a sequence-sharded tensor to
	// full length across the tensor-parallel group. The sharded length
	// times the world size must equal the full length.
	GatherSequenceParallel(ctx ml.Context, t ml.Tensor) (ml.Tensor, error)

	// context parallelism
	ContextWorldSize() int
	ContextRank() int
}

// CollectiveError wraps a failed collective. It is always fatal.
type CollectiveError struct {
	Op  string
	Err error
}

func (e *CollectiveError) Error() string {
	return fmt.Sprintf("collective %s failed: %v", e.Op, e.Err)
}

func (e *CollectiveError) Unwrap() error {
	return e.Err
}

// Local is the single-process runtime: every world size is one and all
// collectives are identities.
type Local struct{}

var _ Runtime = Local{}

func (Local) PipelineRank() int        { return 0 }
func (Local) PipelineWorldSize() int   { return 1 }
func (Local) IsFirstStage() bool       { return true }
func (Local) IsLastStage() bool        { return true }
func (Local) EncoderPipelineSize() int { return 0 }
func (Local) TensorWorldSize() int     { return 1 }
func (Local) SequenceParallel() bool   { return false }
func (Local) ContextWorldSize() int    { return 1 }
func (Local) ContextRank() int         { return 0 }

func (Local) GatherSequenceParallel(ctx ml.Context, t ml.Tensor) (ml.Tensor, error) {
	return t, nil
}
