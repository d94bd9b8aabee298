package analysis

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// MethodInspector is the registry name of the chain inspector.
const MethodInspector = "chainInspector"

// Chain ordering classifications produced by the inspector.
const (
	orderingOK           = "OK"
	orderingReversed     = "REVERSED"
	orderingReordered    = "REORDERED"
	orderingDisconnected = "DISCONNECTED"
	orderingTooLong      = "TOOLONG"
	orderingError        = "ERROR"
)

// Checking all permutations is factorial, longer chains are not classified.
const maxInspectedChain = 8

func init() {
	RegisterMethod(Method{
		Name: MethodInspector,
		Fn:   inspectChain,
	})
}

// subjectIssuer is a certificate reduced to its raw subject and issuer names.
type subjectIssuer struct {
	subject string
	issuer  string
}

// inspectChain classifies the ordering of a certificate chain and counts its
// self-signed CAs. A chain is ordered correctly when it starts with the
// server's certificate and every subsequent certificate's subject is the
// previous certificate's issuer.
//
// The result has the format "{ordering}-{n}CA", e.g. "REVERSED-1CA".
func inspectChain(_ context.Context, chain []string, _ Options) []string {
	pairs, err := loadSubjectIssuerPairs(chain)
	if err != nil {
		return []string{orderingError}
	}

	var ordering string
	switch {
	case len(pairs) > maxInspectedChain:
		ordering = orderingTooLong
	case isChainContinuous(pairs):
		ordering = orderingOK
	case isChainContinuous(reversedPairs(pairs)):
		ordering = orderingReversed
	case hasContinuousPermutation(pairs):
		ordering = orderingReordered
	default:
		ordering = orderingDisconnected
	}
	return []string{fmt.Sprintf("%s-%dCA", ordering, selfSignedCount(pairs))}
}

func loadSubjectIssuerPairs(chain []string) ([]subjectIssuer, error) {
	pairs := make([]subjectIssuer, 0, len(chain))
	for _, path := range chain {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		block, _ := pem.Decode(content)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %s", path)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, subjectIssuer{
			subject: string(cert.RawSubject),
			issuer:  string(cert.RawIssuer),
		})
	}
	return pairs, nil
}

func isChainContinuous(pairs []subjectIssuer) bool {
	for i := 1; i < len(pairs); i++ {
		if pairs[i].subject != pairs[i-1].issuer {
			return false
		}
	}
	return true
}

func reversedPairs(pairs []subjectIssuer) []subjectIssuer {
	out := make([]subjectIssuer, len(pairs))
	for i, p := range pairs {
		out[len(pairs)-1-i] = p
	}
	return out
}

// hasContinuousPermutation checks all orderings via Heap's algorithm.
func hasContinuousPermutation(pairs []subjectIssuer) bool {
	perm := make([]subjectIssuer, len(pairs))
	copy(perm, pairs)

	var generate func(k int) bool
	generate = func(k int) bool {
		if k == 1 {
			return isChainContinuous(perm)
		}
		for i := range k {
			if generate(k - 1) {
				return true
			}
			if k%2 == 0 {
				perm[i], perm[k-1] = perm[k-1], perm[i]
			} else {
				perm[0], perm[k-1] = perm[k-1], perm[0]
			}
		}
		return false
	}
	return generate(len(perm))
}

func selfSignedCount(pairs []subjectIssuer) int {
	count := 0
	for _, p := range pairs {
		if p.subject == p.issuer {
			count++
		}
	}
	return count
}
