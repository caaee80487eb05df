// Package registry maps Keras layer kinds to the functions that emit their
// program records.
package registry

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
)

// Call holds everything a converter needs to emit one graph node.
type Call struct {
	Builder *program.Builder
	// Name is the graph node id, which may differ from Layer.Name after
	// shared-layer duplication or sub-model inlining.
	Name             string
	Layer            *keras.Layer
	Inputs           []string
	Outputs          []string
	RespectTrainable bool
	Log              *logrus.Entry
}

// ConverterFunc appends the records for one node.
type ConverterFunc func(c *Call) error

// Entry is one row of the registry table.
type Entry struct {
	Kind keras.Kind
	// Since is the first Keras version providing the layer. Empty means
	// every version.
	Since string
	// Refine narrows polymorphic kinds. A nil Refine accepts every layer of
	// the kind.
	Refine  func(*keras.Layer) bool
	Convert ConverterFunc
}

// Registry is the static table of converters for one Keras version.
type Registry struct {
	entries map[keras.Kind][]Entry
}

// New builds the table for the given Keras version. Entries newer than the
// version are left out; an empty version keeps all of them.
func New(version string, entries ...Entry) *Registry {
	r := &Registry{entries: make(map[keras.Kind][]Entry)}
	for _, e := range entries {
		if e.Since != "" && version != "" && compareVersions(version, e.Since) < 0 {
			continue
		}
		r.entries[e.Kind] = append(r.entries[e.Kind], e)
	}
	return r
}

// Lookup returns the converter for a layer. TimeDistributed wrappers are
// looked up by their inner layer.
func (r *Registry) Lookup(l *keras.Layer) (ConverterFunc, bool) {
	l = l.Unwrap()
	for _, e := range r.entries[l.Kind] {
		if e.Refine == nil || e.Refine(l) {
			return e.Convert, true
		}
	}
	return nil, false
}

// Supports reports whether any entry exists for kind, regardless of
// refinement.
func (r *Registry) Supports(kind keras.Kind) bool {
	return len(r.entries[kind]) > 0
}

// SupportedKinds returns the registered kinds sorted by name.
func (r *Registry) SupportedKinds() []string {
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k.String())
	}
	sort.Strings(kinds)
	return kinds
}

// compareVersions compares dotted version strings numerically. Missing
// components count as zero and non-numeric suffixes are ignored.
func compareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for len(pa) < len(pb) {
		pa = append(pa, 0)
	}
	for len(pb) < len(pa) {
		pb = append(pb, 0)
	}
	for i := range pa {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	fields := strings.Split(v, ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		end := 0
		for end < len(f) && f[end] >= '0' && f[end] <= '9' {
			end++
		}
		n, _ := strconv.Atoi(f[:end])
		out = append(out, n)
	}
	return out
}
