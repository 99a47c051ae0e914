package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEntity    = "qplan/entity/v1"
	DomainSignature = "qplan/signature/v1"
	DomainPlan      = "qplan/plan/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the canonical JSON form of v under domain.
// Returns error if v cannot be canonically marshaled.
func Fingerprint(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only when v is built from known-valid values.
func MustFingerprint(domain string, v any) string {
	fp, err := Fingerprint(domain, v)
	if err != nil {
		panic(err)
	}
	return fp
}

// SignatureKey computes the memoization key for a parsed signature.
// The descriptor fingerprint ties the key to one immutable entity shape, so
// two registries with differently shaped entities of the same name never
// share cache entries.
func SignatureKey(signature, descriptorFingerprint string) string {
	obj := map[string]any{
		"signature":  signature,
		"descriptor": descriptorFingerprint,
	}
	return MustFingerprint(DomainSignature, obj)
}
