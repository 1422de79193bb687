// Package fs holds file helpers for the plugin tree.
package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// Sum returns the hex encoded sha256 checksum of b.
func Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// ReadFile reads the file at path and returns its content together with its
// checksum.
func ReadFile(path string) ([]byte, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return b, Sum(b), nil
}

// Hash computes the checksum of the file at path.
func Hash(path string) (string, error) {
	_, sum, err := ReadFile(path)
	return sum, err
}

// Hidden reports whether a directory entry name is hidden.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// Rel returns target relative to root, slash separated. ok is false when
// target does not resolve inside root.
func Rel(root, target string) (rel string, ok bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err = filepath.Rel(absRoot, absTarget)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// HasHiddenElement reports whether any element of a slash separated
// relative path is hidden.
func HasHiddenElement(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if Hidden(seg) {
			return true
		}
	}
	return false
}
