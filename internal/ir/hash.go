package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainRequest  = "golem/request/v1"
	DomainResponse = "golem/response/v1"
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

// RequestHash identifies a host call by function name and canonical request.
// Replay compares the recorded hash against the live one; any difference is
// a non-determinism fault.
func RequestHash(functionName string, request IRValue) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"function": IRString(functionName),
		"request":  orNull(request),
	})
	if err != nil {
		return "", fmt.Errorf("RequestHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRequest, canonical), nil
}

// ResponseHash hashes an exported function result. Replay compares it with
// the recorded result to detect divergent re-execution.
func ResponseHash(response IRValue) (string, error) {
	canonical, err := MarshalCanonical(orNull(response))
	if err != nil {
		return "", fmt.Errorf("ResponseHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainResponse, canonical), nil
}

// MustRequestHash is like RequestHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRequestHash(functionName string, request IRValue) string {
	h, err := RequestHash(functionName, request)
	if err != nil {
		panic(err)
	}
	return h
}

func orNull(v IRValue) IRValue {
	if v == nil {
		return IRNull{}
	}
	return v
}
