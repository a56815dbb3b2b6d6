// Package model declares named parameters and accepts them from the weight
// loader, including parameters that are packed from several serialized
// tensors.
package model

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/samcharles93/nanovllm/internal/loader"
	"github.com/samcharles93/nanovllm/internal/tensor"
)

var (
	ErrDuplicateParam = errors.New("model: parameter already declared")
	ErrShapeMismatch  = errors.New("model: shape mismatch")
	ErrDTypeMismatch  = errors.New("model: dtype mismatch")
	ErrBadShard       = errors.New("model: bad shard")
)

// Param is one declared parameter. Packed parameters are split along the
// leading dimension: shard k occupies ShardRows[k] rows starting at the sum
// of the previous shards.
type Param struct {
	Name      string
	DType     tensor.DType
	Shape     []int
	ShardRows []int

	data   *tensor.Tensor
	loaded []bool
}

// Packed reports whether the parameter is assembled from shards.
func (p *Param) Packed() bool { return len(p.ShardRows) > 0 }

func (p *Param) rowOffset(shard int) int {
	off := 0
	for _, r := range p.ShardRows[:shard] {
		off += r
	}
	return off
}

// Store owns a model's parameters. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	params map[string]*Param
	packed loader.PackedMapping
}

// NewStore creates an empty store. packed may be nil for models without
// merged parameters.
func NewStore(packed loader.PackedMapping) *Store {
	return &Store{params: make(map[string]*Param), packed: packed}
}

// Declare adds an unpacked parameter, zero-filled until loaded.
func (s *Store) Declare(name string, dtype tensor.DType, shape []int) error {
	return s.declare(name, dtype, shape, nil)
}

// DeclarePacked adds a parameter built from len(shardRows) shards stacked
// along the leading dimension. The leading dimension must equal the sum of
// shardRows.
func (s *Store) DeclarePacked(name string, dtype tensor.DType, shape []int, shardRows []int) error {
	if len(shardRows) == 0 {
		return fmt.Errorf("%w: %s declared with no shards", ErrBadShard, name)
	}
	if len(shape) == 0 {
		return fmt.Errorf("%w: packed parameter %s must have a leading dimension", ErrShapeMismatch, name)
	}
	total := 0
	for _, r := range shardRows {
		if r <= 0 {
			return fmt.Errorf("%w: %s shard rows %v", ErrBadShard, name, shardRows)
		}
		total += r
	}
	if total != shape[0] {
		return fmt.Errorf("%w: %s shards cover %d rows, shape has %d", ErrShapeMismatch, name, total, shape[0])
	}
	return s.declare(name, dtype, shape, shardRows)
}

func (s *Store) declare(name string, dtype tensor.DType, shape []int, shardRows []int) error {
	data, err := tensor.Zeros(dtype, shape)
	if err != nil {
		return fmt.Errorf("model: declare %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.params[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParam, name)
	}
	nLoaded := 1
	if len(shardRows) > 0 {
		nLoaded = len(shardRows)
	}
	s.params[name] = &Param{
		Name:      name,
		DType:     dtype,
		Shape:     slices.Clone(shape),
		ShardRows: slices.Clone(shardRows),
		data:      data,
		loaded:    make([]bool, nLoaded),
	}
	return nil
}

// PackedModules implements loader.PackedModulesProvider.
func (s *Store) PackedModules() loader.PackedMapping { return s.packed }

// LoadWeight implements loader.Loadable. The payload is copied into the
// parameter, converting between float types when the on-disk precision
// differs from the declared one.
func (s *Store) LoadWeight(name string, t *tensor.Tensor, shard int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.params[name]
	if !ok {
		return false, nil
	}
	src, err := convert(t, p.DType)
	if err != nil {
		return true, fmt.Errorf("%s: %w", name, err)
	}

	if shard == loader.NoShard {
		if !slices.Equal(src.Shape, p.Shape) {
			return true, fmt.Errorf("%w: %s wants %v, got %v", ErrShapeMismatch, name, p.Shape, src.Shape)
		}
		copy(p.data.Data, src.Data)
		for i := range p.loaded {
			p.loaded[i] = true
		}
		return true, nil
	}

	if !p.Packed() || shard < 0 || shard >= len(p.ShardRows) {
		return true, fmt.Errorf("%w: %s has %d shards, got shard %d", ErrBadShard, name, len(p.ShardRows), shard)
	}
	want := slices.Clone(p.Shape)
	want[0] = p.ShardRows[shard]
	if !slices.Equal(src.Shape, want) {
		return true, fmt.Errorf("%w: %s shard %d wants %v, got %v", ErrShapeMismatch, name, shard, want, src.Shape)
	}
	rowBytes := p.data.RowBytes()
	start := p.rowOffset(shard) * rowBytes
	copy(p.data.Data[start:start+len(src.Data)], src.Data)
	p.loaded[shard] = true
	return true, nil
}

func convert(t *tensor.Tensor, dtype tensor.DType) (*tensor.Tensor, error) {
	if t.DType == dtype {
		return t, nil
	}
	if !isFloat(t.DType) || !isFloat(dtype) {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrDTypeMismatch, dtype, t.DType)
	}
	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	raw, err := tensor.EncodeFloat32(dtype, values)
	if err != nil {
		return nil, err
	}
	return &tensor.Tensor{DType: dtype, Shape: t.Shape, Data: raw}, nil
}

func isFloat(d tensor.DType) bool {
	return d == tensor.F32 || d == tensor.F16 || d == tensor.BF16
}

// Param returns a copy of the named parameter's current value.
func (s *Store) Param(name string) (*tensor.Tensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[name]
	if !ok {
		return nil, false
	}
	return p.data.Clone(), true
}

// Loaded reports whether every shard of name has been delivered.
func (s *Store) Loaded(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[name]
	if !ok {
		return false
	}
	for _, l := range p.loaded {
		if !l {
			return false
		}
	}
	return true
}

// Names returns declared parameter names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.params))
	for name := range s.params {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pending lists parameters with at least one shard not yet loaded.
func (s *Store) Pending() []string {
	var out []string
	for _, name := range s.Names() {
		if !s.Loaded(name) {
			out = append(out, name)
		}
	}
	return out
}

// Bytes is the total size of all declared parameters.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, p := range s.params {
		n += int64(p.data.Size())
	}
	return n
}
