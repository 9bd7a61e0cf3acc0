package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DomainFingerprint prefixes every fingerprint digest.
// The version suffix allows changing the line format without old and new
// fingerprints ever comparing equal.
const DomainFingerprint = "switchsync/fingerprint/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintLines returns the canonical lines hashed by Fingerprint, one
// per row: "<class>:<rowId>:<canonicalMatchText>:<actionValue>". Tag rows
// come first, then filter rows, each in the order given (row id ascending
// as read from the store). Filter rows have empty match text.
//
// Canonical JSON escapes newlines inside strings, so a line never contains
// the "\n" used to join them.
func FingerprintLines(tags []TagRule, filters []FilterRule) ([]string, error) {
	lines := make([]string, 0, len(tags)+len(filters))
	for _, r := range tags {
		text, err := CanonicalMatchText(r.Match)
		if err != nil {
			return nil, fmt.Errorf("tag row %d: %w", r.ID, err)
		}
		lines = append(lines, fmt.Sprintf("%s:%d:%s:%d", ClassTag, r.ID, text, r.TagValue))
	}
	for _, r := range filters {
		lines = append(lines, fmt.Sprintf("%s:%d::%d", ClassFilter, r.ID, r.TagValue))
	}
	return lines, nil
}

// ComputeFingerprint hashes a device's ordered tag and filter rows.
// It is a pure function of the rows: the same rows in the same order
// always produce the same fingerprint, and zero rows hash the empty string.
//
// This is a change-detection oracle, not a security primitive.
func ComputeFingerprint(tags []TagRule, filters []FilterRule) (Fingerprint, error) {
	lines, err := FingerprintLines(tags, filters)
	if err != nil {
		return "", err
	}
	return Fingerprint(hashWithDomain(DomainFingerprint, []byte(strings.Join(lines, "\n")))), nil
}

// EmptyFingerprint is the fingerprint of a device with no policy rows.
func EmptyFingerprint() Fingerprint {
	return Fingerprint(hashWithDomain(DomainFingerprint, nil))
}
