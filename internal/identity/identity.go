// Package identity derives the content address of a run: the inputs_hash
// over the snapshot map and the run_id carved out of it.
package identity

import (
	"fmt"
	"strings"

	"github.com/jasoncookdesign/sigilzero-ai/internal/canonical"
)

// RunIDLength is the number of hex characters in a base run_id (128 bits).
const RunIDLength = 32

// ComputeInputsHash hashes the snapshot-name-to-hash map in compact
// canonical form. The result depends only on the map contents, never on
// insertion order.
func ComputeInputsHash(snapshotHashes map[string]string) (string, error) {
	if len(snapshotHashes) == 0 {
		return "", fmt.Errorf("compute inputs_hash: empty snapshot map")
	}
	for name, digest := range snapshotHashes {
		if name == "" {
			return "", fmt.Errorf("compute inputs_hash: empty snapshot name")
		}
		if !strings.HasPrefix(digest, canonical.HashPrefix) {
			return "", fmt.Errorf("compute inputs_hash: snapshot %q has unprefixed digest %q", name, digest)
		}
	}
	return canonical.HashValue(snapshotHashes)
}

// DeriveRunID strips the hash prefix, takes the first 32 lowercase hex
// characters, and optionally appends "-"+suffix. The suffix is a directory
// naming concern only and never participates in inputs_hash.
func DeriveRunID(inputsHash, suffix string) (string, error) {
	hexPart := canonical.StripPrefix(inputsHash)
	if hexPart == inputsHash {
		return "", fmt.Errorf("derive run_id: inputs_hash %q missing %q prefix", inputsHash, canonical.HashPrefix)
	}
	if len(hexPart) < RunIDLength {
		return "", fmt.Errorf("derive run_id: inputs_hash too short (%d hex chars)", len(hexPart))
	}
	for _, r := range hexPart[:RunIDLength] {
		if !isLowerHex(r) {
			return "", fmt.Errorf("derive run_id: non-hex character %q in inputs_hash", r)
		}
	}
	id := hexPart[:RunIDLength]
	if suffix != "" {
		id = id + "-" + suffix
	}
	return id, nil
}

// BaseRunID returns the run_id with any collision suffix removed.
func BaseRunID(runID string) string {
	if i := strings.IndexByte(runID, '-'); i >= 0 {
		return runID[:i]
	}
	return runID
}

func isLowerHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
