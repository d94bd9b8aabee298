// Package certutil provides helpers for working with PEM-encoded certificates.
package certutil

import "strings"

const (
	pemHeader = "-----BEGIN CERTIFICATE-----"
	pemFooter = "-----END CERTIFICATE-----"
)

// ToPEM converts a raw base64-encoded certificate body to PEM format.
func ToPEM(cert string) string {
	return pemHeader + "\n" + cert + "\n" + pemFooter
}

// ValidatePEM reports whether the string looks like a PEM certificate.
func ValidatePEM(cert string) bool {
	return strings.HasPrefix(cert, pemHeader+"\n") && strings.HasSuffix(cert, "\n"+pemFooter)
}

// Filename returns the file name used for a certificate with the given fingerprint.
func Filename(fingerprint string) string {
	return fingerprint + ".pem"
}
