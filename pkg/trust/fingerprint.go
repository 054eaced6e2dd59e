package trust

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint returns the upper-case hex SHA-1 of the certificate's DER
// encoding, the thumbprint trust stores index certificates by.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NormalizeFingerprint strips all whitespace and upper-cases s so that
// thumbprints copied from different tools compare equal.
func NormalizeFingerprint(s string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s))
}

// SameFingerprint compares two thumbprints after normalization.
func SameFingerprint(a, b string) bool {
	na := NormalizeFingerprint(a)
	return na != "" && na == NormalizeFingerprint(b)
}
