// Package migrate evolves manifest schemas in place. Migrations are
// additive and idempotent; every determinism-critical field must survive a
// transform byte-identically, and the engine refuses to write when it does
// not. The filesystem stays authoritative: manifests are rewritten on disk
// first, secondary indices are rebuilt from them afterwards.
package migrate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
)

var (
	ErrNoPath     = errors.New("no migration path")
	ErrValidation = errors.New("migration validation failed")
)

// Migration is one registered schema transform. Transform must be pure:
// manifest tree in, manifest tree out, no I/O.
type Migration struct {
	FromVersion string
	ToVersion   string
	Changes     []string
	Transform   func(map[string]any) map[string]any
}

// ValidateBefore checks that a tree is eligible for this migration.
func (m *Migration) ValidateBefore(tree map[string]any) []string {
	current := SchemaVersionOf(tree)
	if current != m.FromVersion {
		return []string{fmt.Sprintf("expected schema_version %s, got %s", m.FromVersion, current)}
	}
	return nil
}

// ValidateAfter checks the transformed tree: target version reached, and
// every determinism-critical field byte-identical to the pre-image.
func (m *Migration) ValidateAfter(before, after map[string]any) []string {
	var errs []string
	if got := SchemaVersionOf(after); got != m.ToVersion {
		errs = append(errs, fmt.Sprintf("expected schema_version %s after migration, got %s", m.ToVersion, got))
	}
	errs = append(errs, frozenFieldViolations(before, after)...)
	return errs
}

// frozenFields may never change across a transform. The doctrine reference
// is compared on its hashed sub-fields only; resolved_at is volatile.
var frozenFields = []string{"job_id", "run_id", "inputs_hash", "input_snapshots", "artifacts"}

func frozenFieldViolations(before, after map[string]any) []string {
	var errs []string
	for _, field := range frozenFields {
		pre, existed := before[field]
		if !existed {
			// A migration may introduce a field it is adding; it may
			// never rewrite one that was already there.
			continue
		}
		if !sameCanonical(pre, after[field]) {
			errs = append(errs, fmt.Sprintf("migration altered frozen field %q", field))
		}
	}
	beforeDoc, _ := before["doctrine"].(map[string]any)
	afterDoc, _ := after["doctrine"].(map[string]any)
	if beforeDoc != nil {
		for _, sub := range []string{"doctrine_id", "version", "sha256"} {
			var a any
			if afterDoc != nil {
				a = afterDoc[sub]
			}
			if !sameCanonical(beforeDoc[sub], a) {
				errs = append(errs, fmt.Sprintf("migration altered doctrine.%s", sub))
			}
		}
	}
	return errs
}

func sameCanonical(a, b any) bool {
	encA, errA := canonical.EncodeCompact(a)
	encB, errB := canonical.EncodeCompact(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(encA) == string(encB)
}

// SchemaVersionOf reads a tree's schema_version, defaulting to 1.0.0 for
// pre-versioned manifests.
func SchemaVersionOf(tree map[string]any) string {
	if v, ok := tree["schema_version"].(string); ok && v != "" {
		return v
	}
	return "1.0.0"
}

// Registry holds the closed set of migrations, fixed at construction.
type Registry struct {
	migrations map[[2]string]*Migration
}

// NewRegistry builds a registry from the given migrations. Tests construct
// alternate registries without touching process-wide state.
func NewRegistry(migrations ...*Migration) *Registry {
	r := &Registry{migrations: map[[2]string]*Migration{}}
	for _, m := range migrations {
		r.migrations[[2]string{m.FromVersion, m.ToVersion}] = m
	}
	return r
}

// Get returns the direct migration for a version pair, or nil.
func (r *Registry) Get(from, to string) *Migration {
	return r.migrations[[2]string{from, to}]
}

// FindPath returns the shortest migration sequence from one version to
// another: breadth-first search, with registered direct (composite)
// migrations acting as shortcuts.
func (r *Registry) FindPath(from, to string) ([]*Migration, error) {
	if direct := r.Get(from, to); direct != nil {
		return []*Migration{direct}, nil
	}
	// Deterministic BFS: edges visited in sorted (from, to) order.
	keys := make([][2]string, 0, len(r.migrations))
	for key := range r.migrations {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	type node struct {
		version string
		path    []*Migration
	}
	queue := []node{{version: from}}
	visited := map[string]bool{from: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, key := range keys {
			m := r.migrations[key]
			if key[0] != current.version || visited[key[1]] {
				continue
			}
			path := append(append([]*Migration{}, current.path...), m)
			if key[1] == to {
				return path, nil
			}
			visited[key[1]] = true
			queue = append(queue, node{version: key[1], path: path})
		}
	}
	return nil, fmt.Errorf("%w from %s to %s", ErrNoPath, from, to)
}

// LatestVersion is the highest version mentioned by any registered
// migration, by semantic-version order.
func (r *Registry) LatestVersion() string {
	latest := "1.0.0"
	for key := range r.migrations {
		for _, v := range key {
			if compareVersions(v, latest) > 0 {
				latest = v
			}
		}
	}
	return latest
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ai, bi int
		if i < len(as) {
			ai, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bi, _ = strconv.Atoi(bs[i])
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Builtin returns the registry of shipped migrations.
func Builtin() *Registry {
	return NewRegistry(migration10to11(), migration11to12(), migration10to12())
}

// 1.0.0 → 1.1.0: add the input snapshot structure. Legacy runs have no
// snapshot files to backfill, so the map starts empty and inputs_hash null.
func migration10to11() *Migration {
	return &Migration{
		FromVersion: "1.0.0",
		ToVersion:   "1.1.0",
		Changes: []string{
			"Add input_snapshots field (empty dict)",
			"Add inputs_hash field (null)",
			"Bump schema_version to 1.1.0",
		},
		Transform: func(tree map[string]any) map[string]any {
			if _, present := tree["input_snapshots"]; !present {
				tree["input_snapshots"] = map[string]any{}
			}
			if _, present := tree["inputs_hash"]; !present {
				tree["inputs_hash"] = nil
			}
			tree["schema_version"] = "1.1.0"
			return tree
		},
	}
}

// 1.1.0 → 1.2.0: add chain metadata with non-chainable defaults.
func migration11to12() *Migration {
	return &Migration{
		FromVersion: "1.1.0",
		ToVersion:   "1.2.0",
		Changes: []string{
			"Add chain_metadata.is_chainable_stage (false)",
			"Add chain_metadata.prior_stages ([])",
			"Bump schema_version to 1.2.0",
		},
		Transform: func(tree map[string]any) map[string]any {
			if _, present := tree["chain_metadata"]; !present {
				tree["chain_metadata"] = map[string]any{
					"is_chainable_stage": false,
					"prior_stages":       []any{},
				}
			}
			tree["schema_version"] = "1.2.0"
			return tree
		},
	}
}

// 1.0.0 → 1.2.0: composite shortcut applying both hops in one write.
func migration10to12() *Migration {
	return &Migration{
		FromVersion: "1.0.0",
		ToVersion:   "1.2.0",
		Changes: []string{
			"Add input_snapshots field (empty dict)",
			"Add inputs_hash field (null)",
			"Add chain_metadata.is_chainable_stage (false)",
			"Add chain_metadata.prior_stages ([])",
			"Bump schema_version to 1.2.0",
		},
		Transform: func(tree map[string]any) map[string]any {
			tree = migration10to11().Transform(tree)
			tree = migration11to12().Transform(tree)
			tree["schema_version"] = "1.2.0"
			return tree
		},
	}
}
