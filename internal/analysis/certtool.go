package analysis

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// MethodCerttool is the registry name of the command-line GnuTLS client.
const MethodCerttool = "certtool"

// Result messages special to the GnuTLS client.
const (
	certtoolVerified    = "Verified"
	certtoolNotVerified = "NotVerified"
	certtoolError       = "Error"
)

const (
	verifiedChainSubstring   = "Chain verification output: Verified. The certificate is trusted."
	unverifiedChainSubstring = "Chain verification output: Not verified. The certificate is NOT trusted."
)

func init() {
	RegisterMethod(Method{
		Name:      MethodCerttool,
		Fn:        certtoolVerify,
		Available: certtoolAvailable,
	})
}

func certtoolAvailable() bool {
	_, err := exec.LookPath("certtool")
	return err == nil
}

// certtoolVerify validates a chain with GnuTLS certtool, feeding the
// concatenated PEM chain through stdin. The result is the sorted set of
// verification messages, certtoolVerified on success.
func certtoolVerify(ctx context.Context, chain []string, opts Options) []string {
	if len(chain) == 0 {
		return []string{certtoolError}
	}
	args := []string{"--load-ca-certificate", opts.TrustStore}
	if len(opts.CRLs) > 0 {
		args = append(args, "--load-crl", opts.CRLs[0])
	}
	args = append(args, "--verify-profile", "low", "--verify")

	var stdin bytes.Buffer
	for _, path := range chain {
		content, err := os.ReadFile(path)
		if err != nil {
			return []string{certtoolError}
		}
		stdin.Write(content)
	}

	cmd := exec.CommandContext(ctx, "certtool", args...)
	cmd.Stdin = &stdin
	output, _ := cmd.CombinedOutput()
	return parseCerttoolOutput(string(output))
}

func parseCerttoolOutput(output string) []string {
	if strings.Contains(output, verifiedChainSubstring) {
		return []string{certtoolVerified}
	}
	idx := strings.Index(output, unverifiedChainSubstring)
	if idx == -1 {
		return []string{certtoolError}
	}

	rest := strings.TrimSpace(output[idx+len(unverifiedChainSubstring):])
	seen := make(map[string]struct{})
	var messages []string
	for _, sentence := range strings.Split(rest, ".") {
		if sentence == "" {
			continue
		}
		var camel strings.Builder
		for _, word := range strings.Fields(sentence) {
			camel.WriteString(strings.ToUpper(word[:1]) + strings.ToLower(word[1:]))
		}
		msg := camel.String()
		if msg == "" {
			continue
		}
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return []string{certtoolNotVerified}
	}
	sort.Strings(messages)
	return messages
}
