// Package batch turns a scheduled set of sequences into the flat model
// inputs and the execution-context snapshot for one step.
package batch

import (
	"errors"
	"fmt"

	"github.com/samcharles93/nanovllm/internal/batchctx"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/sequence"
)

var (
	ErrEmptyBatch     = errors.New("batch: no sequences")
	ErrBlockTableLag  = errors.New("batch: block table behind sequence length")
	ErrFinishedInStep = errors.New("batch: finished sequence scheduled")
)

// Step is everything the runner needs for one forward pass.
type Step struct {
	SeqIDs    []uint64
	InputIDs  []uint32
	Positions []int32
	Context   batchctx.Snapshot
}

// NumTokens is the number of query tokens in the step.
func (s Step) NumTokens() int { return len(s.InputIDs) }

// Prefill builds a prefill step. Each sequence contributes the tokens that
// are not in the cache yet as queries and its whole length as keys. Block
// tables are only attached when some sequence has a cached prefix.
//
// If no sequence has blocks allocated (a warmup pass) the slot mapping is
// left empty; a sequence whose table is shorter than its length fails with
// ErrBlockTableLag.
func Prefill(seqs []*sequence.Sequence) (Step, error) {
	if len(seqs) == 0 {
		return Step{}, ErrEmptyBatch
	}
	warmup := true
	for _, seq := range seqs {
		if seq.NumAllocatedBlocks() > 0 {
			warmup = false
			break
		}
	}

	step := Step{
		SeqIDs: make([]uint64, 0, len(seqs)),
		Context: batchctx.Snapshot{
			IsPrefill:  true,
			CuSeqlensQ: make([]int32, 1, len(seqs)+1),
			CuSeqlensK: make([]int32, 1, len(seqs)+1),
		},
	}
	ctx := &step.Context
	if !warmup {
		ctx.SlotMapping = []int32{}
	}
	prefixHit := false

	for _, seq := range seqs {
		if err := checkSchedulable(seq, !warmup); err != nil {
			return Step{}, err
		}
		cached := seq.NumCachedTokens()
		n := seq.Len()
		if cached > 0 {
			prefixHit = true
		}
		for i := cached; i < n; i++ {
			tok, _ := seq.TokenAt(i)
			step.InputIDs = append(step.InputIDs, tok)
			step.Positions = append(step.Positions, int32(i))
			if !warmup {
				ctx.SlotMapping = append(ctx.SlotMapping, slot(seq, i))
			}
		}
		seqlenQ, seqlenK := n-cached, n
		ctx.CuSeqlensQ = append(ctx.CuSeqlensQ, ctx.CuSeqlensQ[len(ctx.CuSeqlensQ)-1]+int32(seqlenQ))
		ctx.CuSeqlensK = append(ctx.CuSeqlensK, ctx.CuSeqlensK[len(ctx.CuSeqlensK)-1]+int32(seqlenK))
		ctx.MaxSeqlenQ = max(ctx.MaxSeqlenQ, seqlenQ)
		ctx.MaxSeqlenK = max(ctx.MaxSeqlenK, seqlenK)
		step.SeqIDs = append(step.SeqIDs, seq.ID())
	}
	if prefixHit && !warmup {
		ctx.BlockTables = blockTables(seqs)
	}
	return step, nil
}

// Decode builds a decode step: one query per sequence (its last token) with
// the whole sequence as context.
func Decode(seqs []*sequence.Sequence) (Step, error) {
	if len(seqs) == 0 {
		return Step{}, ErrEmptyBatch
	}
	step := Step{
		SeqIDs:    make([]uint64, 0, len(seqs)),
		InputIDs:  make([]uint32, 0, len(seqs)),
		Positions: make([]int32, 0, len(seqs)),
		Context: batchctx.Snapshot{
			MaxSeqlenQ:  1,
			SlotMapping: make([]int32, 0, len(seqs)),
			ContextLens: make([]int32, 0, len(seqs)),
		},
	}
	ctx := &step.Context
	for _, seq := range seqs {
		if err := checkSchedulable(seq, true); err != nil {
			return Step{}, err
		}
		n := seq.Len()
		step.SeqIDs = append(step.SeqIDs, seq.ID())
		step.InputIDs = append(step.InputIDs, seq.LastToken())
		step.Positions = append(step.Positions, int32(n-1))
		ctx.SlotMapping = append(ctx.SlotMapping, slot(seq, n-1))
		ctx.ContextLens = append(ctx.ContextLens, int32(n))
		ctx.MaxSeqlenK = max(ctx.MaxSeqlenK, n)
	}
	ctx.BlockTables = blockTables(seqs)
	return step, nil
}

func checkSchedulable(seq *sequence.Sequence, needBlocks bool) error {
	if seq.IsFinished() {
		return fmt.Errorf("%w: seq %d", ErrFinishedInStep, seq.ID())
	}
	if needBlocks && seq.NumAllocatedBlocks() < seq.NumBlocks() {
		return fmt.Errorf("%w: seq %d has %d blocks for %d tokens (needs %d)",
			ErrBlockTableLag, seq.ID(), seq.NumAllocatedBlocks(), seq.Len(), seq.NumBlocks())
	}
	return nil
}

// slot is the physical cache slot of token i. The caller has checked that
// the block table covers i.
func slot(seq *sequence.Sequence, i int) int32 {
	bs := seq.BlockSize()
	block, _ := seq.PhysicalBlock(i / bs)
	return int32(block*bs + i%bs)
}

// blockTables returns one row per sequence padded with -1 to the longest.
func blockTables(seqs []*sequence.Sequence) [][]int32 {
	width := 0
	for _, seq := range seqs {
		width = max(width, seq.NumAllocatedBlocks())
	}
	out := make([][]int32, len(seqs))
	for i, seq := range seqs {
		row := make([]int32, width)
		for j := range row {
			row[j] = -1
		}
		for j, b := range seq.BlockTable() {
			row[j] = int32(b)
		}
		out[i] = row
	}
	return out
}

// Apply validates step's snapshot and publishes it on h. m may be nil.
func Apply(h *batchctx.Holder, step Step, m *metrics.Metrics) error {
	if err := step.Context.Validate(); err != nil {
		return err
	}
	h.Set(step.Context)
	if m != nil {
		mode := step.Context.Mode()
		m.ContextSets.WithLabelValues(mode).Inc()
		m.BatchTokens.WithLabelValues(mode).Observe(float64(step.NumTokens()))
	}
	return nil
}
