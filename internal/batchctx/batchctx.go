// Package batchctx holds the attention kernel's view of the batch currently
// being executed.
//
// The scheduler builds a Snapshot for every step and Sets it on a Holder
// before dispatching the forward pass; attention layers deep inside the model
// Get it back instead of having it threaded through every call. Each Get and
// Set is atomic on its own, but the set -> forward -> get sequence is not: the
// scheduler must run one step at a time.
package batchctx

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrInvalidSnapshot = errors.New("batchctx: invalid snapshot")

// Snapshot describes one kernel invocation. Slice fields are optional; a nil
// slice means the step does not populate it.
type Snapshot struct {
	IsPrefill bool `json:"is_prefill"`

	// Cumulative sequence lengths, len(seqs)+1 entries starting at 0.
	CuSeqlensQ []int32 `json:"cu_seqlens_q,omitempty"`
	CuSeqlensK []int32 `json:"cu_seqlens_k,omitempty"`
	MaxSeqlenQ int     `json:"max_seqlen_q"`
	MaxSeqlenK int     `json:"max_seqlen_k"`

	// Physical cache slot for every token of the flattened batch.
	SlotMapping []int32 `json:"slot_mapping,omitempty"`
	// Tokens of context per sequence, used in decode.
	ContextLens []int32 `json:"context_lens,omitempty"`
	// Physical block ids per sequence.
	BlockTables [][]int32 `json:"block_tables,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.CuSeqlensQ = slices.Clone(s.CuSeqlensQ)
	out.CuSeqlensK = slices.Clone(s.CuSeqlensK)
	out.SlotMapping = slices.Clone(s.SlotMapping)
	out.ContextLens = slices.Clone(s.ContextLens)
	if s.BlockTables != nil {
		out.BlockTables = make([][]int32, len(s.BlockTables))
		for i, bt := range s.BlockTables {
			out.BlockTables[i] = slices.Clone(bt)
		}
	}
	return out
}

// Equal reports field-for-field equality, treating nil and empty slices as
// different (a populated-but-empty field is not the same as an absent one).
func (s Snapshot) Equal(o Snapshot) bool {
	if s.IsPrefill != o.IsPrefill || s.MaxSeqlenQ != o.MaxSeqlenQ || s.MaxSeqlenK != o.MaxSeqlenK {
		return false
	}
	if !equalOpt(s.CuSeqlensQ, o.CuSeqlensQ) || !equalOpt(s.CuSeqlensK, o.CuSeqlensK) ||
		!equalOpt(s.SlotMapping, o.SlotMapping) || !equalOpt(s.ContextLens, o.ContextLens) {
		return false
	}
	if (s.BlockTables == nil) != (o.BlockTables == nil) || len(s.BlockTables) != len(o.BlockTables) {
		return false
	}
	for i := range s.BlockTables {
		if !slices.Equal(s.BlockTables[i], o.BlockTables[i]) {
			return false
		}
	}
	return true
}

func equalOpt(a, b []int32) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return slices.Equal(a, b)
}

// NumSeqs infers the number of sequences from whichever per-sequence field
// is populated.
func (s Snapshot) NumSeqs() int {
	switch {
	case s.CuSeqlensQ != nil:
		return max(len(s.CuSeqlensQ)-1, 0)
	case s.ContextLens != nil:
		return len(s.ContextLens)
	case s.BlockTables != nil:
		return len(s.BlockTables)
	default:
		return 0
	}
}

// Mode is "prefill" or "decode".
func (s Snapshot) Mode() string {
	if s.IsPrefill {
		return "prefill"
	}
	return "decode"
}

// Validate checks the structural invariants a kernel relies on. Set does not
// call it; producers validate before publishing when they want the check.
func (s Snapshot) Validate() error {
	if s.MaxSeqlenQ < 0 || s.MaxSeqlenK < 0 {
		return fmt.Errorf("%w: negative max seqlen (q=%d k=%d)", ErrInvalidSnapshot, s.MaxSeqlenQ, s.MaxSeqlenK)
	}
	if s.IsPrefill {
		if s.CuSeqlensQ == nil || s.CuSeqlensK == nil {
			return fmt.Errorf("%w: prefill requires cu_seqlens_q and cu_seqlens_k", ErrInvalidSnapshot)
		}
		if len(s.CuSeqlensQ) != len(s.CuSeqlensK) {
			return fmt.Errorf("%w: cu_seqlens length mismatch (q=%d k=%d)", ErrInvalidSnapshot, len(s.CuSeqlensQ), len(s.CuSeqlensK))
		}
		if err := checkCumulative("cu_seqlens_q", s.CuSeqlensQ, s.MaxSeqlenQ); err != nil {
			return err
		}
		if err := checkCumulative("cu_seqlens_k", s.CuSeqlensK, s.MaxSeqlenK); err != nil {
			return err
		}
		if s.SlotMapping != nil {
			total := int(s.CuSeqlensQ[len(s.CuSeqlensQ)-1])
			if len(s.SlotMapping) != total {
				return fmt.Errorf("%w: slot_mapping has %d entries for %d query tokens", ErrInvalidSnapshot, len(s.SlotMapping), total)
			}
		}
	} else {
		if s.ContextLens == nil || s.BlockTables == nil {
			return fmt.Errorf("%w: decode requires context_lens and block_tables", ErrInvalidSnapshot)
		}
		if len(s.ContextLens) != len(s.BlockTables) {
			return fmt.Errorf("%w: %d context lens for %d block tables", ErrInvalidSnapshot, len(s.ContextLens), len(s.BlockTables))
		}
		if s.SlotMapping != nil && len(s.SlotMapping) != len(s.ContextLens) {
			return fmt.Errorf("%w: decode slot_mapping has %d entries for %d sequences", ErrInvalidSnapshot, len(s.SlotMapping), len(s.ContextLens))
		}
	}
	if s.BlockTables != nil && s.NumSeqs() != len(s.BlockTables) {
		return fmt.Errorf("%w: %d block tables for %d sequences", ErrInvalidSnapshot, len(s.BlockTables), s.NumSeqs())
	}
	return nil
}

func checkCumulative(name string, cu []int32, maxLen int) error {
	if len(cu) == 0 || cu[0] != 0 {
		return fmt.Errorf("%w: %s must start at 0", ErrInvalidSnapshot, name)
	}
	longest := 0
	for i := 1; i < len(cu); i++ {
		d := int(cu[i] - cu[i-1])
		if d < 0 {
			return fmt.Errorf("%w: %s decreases at %d", ErrInvalidSnapshot, name, i)
		}
		longest = max(longest, d)
	}
	if longest > maxLen {
		return fmt.Errorf("%w: %s has a sequence of %d tokens above max %d", ErrInvalidSnapshot, name, longest, maxLen)
	}
	return nil
}

// Holder is a single-slot, mutex-guarded snapshot store. One writer (the
// scheduler) sets it once per step; any number of readers may Get.
type Holder struct {
	mu   sync.Mutex
	snap *Snapshot
	gen  uint64
}

func NewHolder() *Holder {
	return &Holder{}
}

// Set replaces the slot. The previous snapshot is discarded, never merged.
func (h *Holder) Set(s Snapshot) {
	c := s.Clone()
	h.mu.Lock()
	h.snap = &c
	h.gen++
	h.mu.Unlock()
}

// Get returns a copy of the current snapshot, or the zero Snapshot (decode,
// zero lengths, no mappings) if nothing has been set.
func (h *Holder) Get() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snap == nil {
		return Snapshot{}
	}
	return h.snap.Clone()
}

// Load returns a copy of the current snapshot together with the generation
// that produced it.
func (h *Holder) Load() (Snapshot, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snap == nil {
		return Snapshot{}, h.gen
	}
	return h.snap.Clone(), h.gen
}

// Reset empties the slot.
func (h *Holder) Reset() {
	h.mu.Lock()
	h.snap = nil
	h.gen++
	h.mu.Unlock()
}

// Generation increments on every Set and Reset. A reader can compare it
// across a forward pass to detect that the slot was replaced underneath it.
func (h *Holder) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

// Default is the process-wide slot used by Set and Get.
var Default = NewHolder()

func Set(s Snapshot) { Default.Set(s) }

func Get() Snapshot { return Default.Get() }

func Reset() { Default.Reset() }
