package escrow

import (
	"fmt"
	"strings"
)

// Canonical hex forms used across storage and lookups. Agreement ids, tx
// hashes and block hashes are 32-byte quantities, addresses are 20 bytes;
// all are rendered 0x-prefixed lowercase.

const (
	addressHexLen = 40
	hashHexLen    = 64
)

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizeHex lowercases s and ensures a 0x prefix. It does not validate
// length or charset; pair it with one of the Validate helpers.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// NormalizeAddress returns the canonical form of a 20-byte hex address.
func NormalizeAddress(s string) (string, error) {
	s = NormalizeHex(s)
	if err := ValidateAddress(s); err != nil {
		return "", err
	}
	return s, nil
}

// NormalizeAgreementID returns the canonical form of a 32-byte agreement id.
func NormalizeAgreementID(s string) (string, error) {
	s = NormalizeHex(s)
	if err := ValidateAgreementID(s); err != nil {
		return "", err
	}
	return s, nil
}

// ValidateAddress checks for the canonical 0x+40 lowercase hex form.
func ValidateAddress(s string) error {
	if len(s) != 2+addressHexLen || !strings.HasPrefix(s, "0x") || !isLowerHex(s[2:]) {
		return fmt.Errorf("escrow: invalid address %q", s)
	}
	return nil
}

// ValidateAgreementID checks for the canonical 0x+64 lowercase hex form.
func ValidateAgreementID(s string) error {
	if len(s) != 2+hashHexLen || !strings.HasPrefix(s, "0x") || !isLowerHex(s[2:]) {
		return fmt.Errorf("escrow: invalid agreement id %q", s)
	}
	return nil
}

// ValidateHash checks for the canonical 0x+64 lowercase hex form of a
// transaction or block hash.
func ValidateHash(s string) error {
	if len(s) != 2+hashHexLen || !strings.HasPrefix(s, "0x") || !isLowerHex(s[2:]) {
		return fmt.Errorf("escrow: invalid hash %q", s)
	}
	return nil
}
