// Package analysis runs analytical methods over host certificate chains.
//
// An Analyser consumes host chains one by one and writes results to an
// output file. Methods are pluggable validation clients and inspection
// modules registered by name; each takes a list of paths to PEM certificates
// forming a chain, server certificate first, and returns its result codes.
package analysis

import "context"

// Analyser consumes host certificate chains for analysis. Implementations
// may process scheduled work concurrently; Done waits for all of it and
// releases resources.
type Analyser interface {
	// Schedule enqueues a host and its certificate chain for analysis.
	Schedule(host string, chain []string) error

	// Done indicates that no more data will be scheduled, waits for all
	// scheduled work to finish and cleans up.
	Done() error
}

// Options carries method parameters shared by validation clients.
type Options struct {
	// TrustStore is the path to the trust store file with trusted CAs.
	TrustStore string
	// ReferenceTime is a validation reference time in seconds since the
	// epoch, zero meaning now.
	ReferenceTime int64
	// CRLs are paths to certificate revocation lists.
	CRLs []string
}

// Method is a single analytical method. Fn takes paths to the PEM
// certificates of a chain and returns result codes.
type Method struct {
	Name string
	Fn   func(ctx context.Context, chain []string, opts Options) []string
	// Available reports whether the method can run on this system.
	Available func() bool
}
