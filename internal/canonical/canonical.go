// Package canonical is the single codec through which every hash in the
// engine flows. It produces byte-stable JSON (keys recursively sorted,
// UTF-8, no HTML escaping) in two frozen forms: an indented form for
// on-disk snapshots and a compact form for hashing.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HashPrefix is prepended to every hex digest produced by this package.
const HashPrefix = "sha256:"

// Encode serializes v to the snapshot form: keys sorted lexicographically,
// 2-space indentation, UTF-8 without escaping of non-ASCII, exactly one
// trailing newline. Errors indicate unrepresentable values (non-finite
// numbers, unsupported types) and are programming errors.
func Encode(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	// Encoder.Encode appends exactly one newline.
	return buf.Bytes(), nil
}

// EncodeCompact serializes v to the hashing form: keys sorted, "," and ":"
// separators, no indentation, no trailing newline. This form is frozen as
// part of the inputs_hash contract.
func EncodeCompact(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SHA256 hashes a byte sequence and renders it as "sha256:"+hex.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashValue hashes the compact canonical encoding of v.
func HashValue(v any) (string, error) {
	b, err := EncodeCompact(v)
	if err != nil {
		return "", err
	}
	return SHA256(b), nil
}

// StripPrefix removes the "sha256:" prefix from a digest string.
func StripPrefix(digest string) string {
	return strings.TrimPrefix(digest, HashPrefix)
}

// normalize round-trips v through JSON so that structs, maps and numbers all
// reduce to the same tree shape before encoding. json.Number preserves the
// source text of numeric literals, keeping large integers exact.
func normalize(v any) (any, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var norm any
	if err := dec.Decode(&norm); err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	return norm, nil
}
