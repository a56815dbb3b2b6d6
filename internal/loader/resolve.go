package loader

import (
	"fmt"
	"slices"
	"strings"
)

// Packed names the merged parameter a serialized tensor belongs to and which
// shard of it the tensor holds.
type Packed struct {
	Target string `json:"target" yaml:"target"`
	Shard  int    `json:"shard" yaml:"shard"`
}

// PackedMapping maps a substring of serialized tensor names to the
// replacement used to build the model's parameter name.
type PackedMapping map[string]Packed

// patterns returns the keys in match order: longest first, then
// lexicographic. This makes overlapping patterns resolve deterministically
// ("gate_up_proj" is tried before "up_proj").
func (m PackedMapping) patterns() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return keys
}

// ResolveTargetName rewrites a serialized tensor name into the model's
// parameter name. If a pattern matches, every occurrence of it is replaced
// and its shard index returned; otherwise the name comes back unchanged with
// ok=false.
func ResolveTargetName(name string, mapping PackedMapping) (target string, shard int, ok bool) {
	for _, pattern := range mapping.patterns() {
		if pattern == "" || !strings.Contains(name, pattern) {
			continue
		}
		p := mapping[pattern]
		return strings.ReplaceAll(name, pattern, p.Target), p.Shard, true
	}
	return name, 0, false
}

// ValidateMapping reports patterns that are substrings of other patterns.
// Such mappings still resolve deterministically, but usually indicate a
// mistake in the model's declaration.
func ValidateMapping(mapping PackedMapping) error {
	keys := mapping.patterns()
	var overlaps []string
	for i, a := range keys {
		if a == "" {
			return fmt.Errorf("%w: empty pattern", ErrAmbiguousMapping)
		}
		if mapping[a].Shard < 0 {
			return fmt.Errorf("%w: pattern %q has negative shard %d", ErrAmbiguousMapping, a, mapping[a].Shard)
		}
		for _, b := range keys[i+1:] {
			if strings.Contains(a, b) {
				overlaps = append(overlaps, fmt.Sprintf("%q contains %q", a, b))
			}
		}
	}
	if len(overlaps) > 0 {
		return fmt.Errorf("%w: %s", ErrAmbiguousMapping, strings.Join(overlaps, ", "))
	}
	return nil
}
