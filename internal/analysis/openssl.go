package analysis

import (
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
)

// MethodOpenssl is the registry name of the command-line OpenSSL client.
const MethodOpenssl = "openssl"

var opensslErrorRegexp = regexp.MustCompile(`\nerror (\d+) at`)

func init() {
	RegisterMethod(Method{
		Name:      MethodOpenssl,
		Fn:        opensslVerify,
		Available: opensslAvailable,
	})
}

func opensslAvailable() bool {
	_, err := exec.LookPath("openssl")
	return err == nil
}

// opensslVerify validates a chain with "openssl verify". The result is the
// sorted set of error codes reported by OpenSSL, ResultOK on success and
// ResultError on failures unrelated to the validation itself.
func opensslVerify(ctx context.Context, chain []string, opts Options) []string {
	if len(chain) == 0 {
		return []string{ResultError}
	}
	args := []string{"verify", "-CAfile", opts.TrustStore, "-no-CApath"}
	if opts.ReferenceTime != 0 {
		args = append(args, "-attime", strconv.FormatInt(opts.ReferenceTime, 10))
	}
	if len(opts.CRLs) > 0 {
		for _, crl := range opts.CRLs {
			args = append(args, "-CRLfile", crl)
		}
		args = append(args, "-crl_check")
	}
	// Intermediates go in reverse, closest to the server certificate last.
	for i := len(chain) - 1; i >= 1; i-- {
		args = append(args, "-untrusted", chain[i])
	}
	args = append(args, chain[0])

	output, err := exec.CommandContext(ctx, "openssl", args...).CombinedOutput()
	if err == nil {
		return []string{ResultOK}
	}

	matches := opensslErrorRegexp.FindAllStringSubmatch("\n"+string(output), -1)
	if len(matches) == 0 {
		return []string{ResultError}
	}
	seen := make(map[int]struct{})
	var codes []int
	for _, m := range matches {
		code, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return []string{ResultError}
	}
	sort.Ints(codes)
	result := make([]string, len(codes))
	for i, code := range codes {
		result[i] = strconv.Itoa(code)
	}
	return result
}
