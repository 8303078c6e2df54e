package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainOpID is the domain prefix for content-derived op ids.
// The version suffix leaves room for a future algorithm migration.
const DomainOpID = "modeltable/op/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentOpID derives a stable op id from a payload.
//
// Relay events that arrive without an op id are keyed by their content so
// that a redelivered copy maps to the same seen marker.
func ContentOpID(payload any) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("ContentOpID: %w", err)
	}
	return "c_" + hashWithDomain(DomainOpID, canonical)[:32], nil
}
