// Package sequence tracks the per-request state of an in-flight generation:
// its tokens, how many of them have committed KV cache entries, and the
// physical cache blocks that back them.
//
// A Sequence is not safe for concurrent mutation. The scheduler that owns a
// sequence is its only writer; id issuance is the only shared state.
package sequence

import (
	"fmt"
	"slices"
)

// BlockSize is the number of tokens per KV cache block in the reference
// configuration.
const BlockSize = 256

type Status int

const (
	Waiting Status = iota
	Running
	Finished
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Sequence struct {
	id     uint64
	status Status

	tokens          []uint32
	lastToken       uint32
	numPromptTokens int
	numCachedTokens int

	blockSize  int
	blockTable []int

	params SamplingParams
}

type options struct {
	ids       IDGenerator
	blockSize int
}

type Option func(*options)

// WithIDGenerator overrides the process-wide id counter.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithBlockSize sets the KV cache block size used for block arithmetic.
func WithBlockSize(n int) Option {
	return func(o *options) { o.blockSize = n }
}

// New creates a waiting sequence from a non-empty prompt. The prompt is
// copied; the caller may reuse its slice.
func New(prompt []uint32, params SamplingParams, opts ...Option) (*Sequence, error) {
	o := options{ids: defaultIDs, blockSize: BlockSize}
	for _, opt := range opts {
		opt(&o)
	}
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if o.blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, o.blockSize)
	}
	if o.ids == nil {
		o.ids = defaultIDs
	}

	tokens := make([]uint32, len(prompt), len(prompt)+max(params.MaxTokens, 0))
	copy(tokens, prompt)

	return &Sequence{
		id:              o.ids.Next(),
		status:          Waiting,
		tokens:          tokens,
		lastToken:       prompt[len(prompt)-1],
		numPromptTokens: len(prompt),
		blockSize:       o.blockSize,
		blockTable:      []int{},
		params:          params,
	}, nil
}

func (s *Sequence) ID() uint64 { return s.id }
func (s *Sequence) Status() Status { return s.status }
func (s *Sequence) Params() SamplingParams { return s.params }
func (s *Sequence) BlockSize() int { return s.blockSize }
func (s *Sequence) LastToken() uint32 { return s.lastToken }
func (s *Sequence) NumTokens() int { return len(s.tokens) }
func (s *Sequence) NumPromptTokens() int { return s.numPromptTokens }
func (s *Sequence) NumCachedTokens() int { return s.numCachedTokens }
func (s *Sequence) IsFinished() bool { return s.status == Finished }
func (s *Sequence) NumCompletionTokens() int { return len(s.tokens) - s.numPromptTokens }
func (s *Sequence) PromptTokenIDs() []uint32 { return s.tokens[:s.numPromptTokens:s.numPromptTokens] }
func (s *Sequence) CompletionTokenIDs() []uint32 { return s.tokens[s.numPromptTokens:len(s.tokens):len(s.tokens)] }

// Len is the total number of tokens, prompt and completion.
func (s *Sequence) Len() int { return len(s.tokens) }

// SetRunning moves a waiting sequence to running. It is a no-op for a
// sequence that is already running.
func (s *Sequence) SetRunning() error {
	switch s.status {
	case Waiting, Running:
		s.status = Running
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s (seq %d)", ErrInvalidTransition, s.status, Running, s.id)
	}
}

// Finish marks the sequence terminal. Finishing twice is allowed.
func (s *Sequence) Finish() {
	s.status = Finished
}

// AppendToken appends a completion token. It never changes status; use
// ShouldStop to decide whether the sequence is done.
func (s *Sequence) AppendToken(token uint32) {
	s.tokens = append(s.tokens, token)
	s.lastToken = token
}

// ShouldStop applies the finishing rule to the most recently appended token:
// an end-of-sequence token stops generation unless IgnoreEOS is set, and
// reaching MaxTokens completions always stops it.
func (s *Sequence) ShouldStop(eos uint32) bool {
	if s.NumCompletionTokens() == 0 {
		return false
	}
	if !s.params.IgnoreEOS && s.lastToken == eos {
		return true
	}
	return s.NumCompletionTokens() >= s.params.MaxTokens
}

// TokenAt returns the token at absolute position i.
func (s *Sequence) TokenAt(i int) (uint32, error) {
	if i < 0 || i >= len(s.tokens) {
		return 0, fmt.Errorf("%w: token %d of %d (seq %d)", ErrOutOfRange, i, len(s.tokens), s.id)
	}
	return s.tokens[i], nil
}

// NumCachedBlocks counts fully cached blocks; a partially cached block does
// not count.
func (s *Sequence) NumCachedBlocks() int {
	return s.numCachedTokens / s.blockSize
}

// NumBlocks is the number of blocks needed to hold every token.
func (s *Sequence) NumBlocks() int {
	return (len(s.tokens) + s.blockSize - 1) / s.blockSize
}

// LastBlockNumTokens is the number of tokens in the final, possibly partial,
// block.
func (s *Sequence) LastBlockNumTokens() int {
	n := s.NumBlocks()
	if n == 0 {
		return 0
	}
	return len(s.tokens) - (n-1)*s.blockSize
}

// Block returns the tokens belonging to logical block i. The returned slice
// aliases the sequence and must not be modified.
func (s *Sequence) Block(i int) ([]uint32, error) {
	if i < 0 || i >= s.NumBlocks() {
		return nil, fmt.Errorf("%w: block %d of %d (seq %d)", ErrOutOfRange, i, s.NumBlocks(), s.id)
	}
	start := i * s.blockSize
	end := min((i+1)*s.blockSize, len(s.tokens))
	return s.tokens[start:end:end], nil
}

// BlockTable returns a copy of the physical block ids.
func (s *Sequence) BlockTable() []int {
	return slices.Clone(s.blockTable)
}

func (s *Sequence) NumAllocatedBlocks() int { return len(s.blockTable) }

// PhysicalBlock returns the physical id backing logical block i.
func (s *Sequence) PhysicalBlock(i int) (int, error) {
	if i < 0 || i >= len(s.blockTable) {
		return 0, fmt.Errorf("%w: block table entry %d of %d (seq %d)", ErrOutOfRange, i, len(s.blockTable), s.id)
	}
	return s.blockTable[i], nil
}

// AppendBlock records a physical block assigned by the allocator.
func (s *Sequence) AppendBlock(id int) {
	s.blockTable = append(s.blockTable, id)
}

// ReleaseBlocks clears the block table and returns the ids so the caller
// can hand them back to the allocator. Cached progress is reset with it.
func (s *Sequence) ReleaseBlocks() []int {
	blocks := s.blockTable
	s.blockTable = []int{}
	s.numCachedTokens = 0
	return blocks
}

// BlocksCaughtUp reports whether the block table covers every token.
func (s *Sequence) BlocksCaughtUp() bool {
	return len(s.blockTable) == s.NumBlocks()
}

// NeedsBlock reports whether the last append crossed into a block the
// allocator has not assigned yet.
func (s *Sequence) NeedsBlock() bool {
	return len(s.blockTable) < s.NumBlocks()
}

// SetNumCachedTokens advances (or rewinds, on prefix-cache miss) the number
// of leading tokens with committed KV entries.
func (s *Sequence) SetNumCachedTokens(n int) error {
	if n < 0 || n > len(s.tokens) {
		return fmt.Errorf("%w: cached tokens %d of %d (seq %d)", ErrOutOfRange, n, len(s.tokens), s.id)
	}
	s.numCachedTokens = n
	return nil
}

func (s *Sequence) String() string {
	return fmt.Sprintf("seq(%d %s tokens=%d prompt=%d cached=%d blocks=%d/%d)",
		s.id, s.status, len(s.tokens), s.numPromptTokens, s.numCachedTokens, len(s.blockTable), s.NumBlocks())
}
