package model

import (
	"slices"
	"sync"

	"github.com/samcharles93/nanovllm/internal/loader"
	"github.com/samcharles93/nanovllm/internal/tensor"
)

// Record is one delivery seen by a Recorder.
type Record struct {
	Name  string       `json:"name"`
	Shard int          `json:"shard"`
	DType tensor.DType `json:"-"`
	Type  string       `json:"dtype"`
	Shape []int        `json:"shape"`
	Bytes int          `json:"bytes"`
}

// Recorder accepts every tensor without keeping its data. It is used to dry
// run a load and to see how names resolve under a packed mapping.
type Recorder struct {
	mu      sync.Mutex
	packed  loader.PackedMapping
	records []Record
}

func NewRecorder(packed loader.PackedMapping) *Recorder {
	return &Recorder{packed: packed}
}

func (r *Recorder) PackedModules() loader.PackedMapping { return r.packed }

func (r *Recorder) LoadWeight(name string, t *tensor.Tensor, shard int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{
		Name:  name,
		Shard: shard,
		DType: t.DType,
		Type:  t.DType.String(),
		Shape: slices.Clone(t.Shape),
		Bytes: t.Size(),
	})
	return true, nil
}

// Records returns deliveries in the order they happened.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}
