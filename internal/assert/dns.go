package assert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// Resolver is the subset of net.Resolver the DNS assert needs, split out so
// tests can substitute canned answers without real lookups.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSAssert verifies a hostname resolves through the tunnel to an address
// with the expected prefix. Prefix matching (rather than exact) allows a
// single expectation to cover an address range, e.g. "100." for a CGNAT
// block.
type DNSAssert struct {
	resolver Resolver

	Hostname       string
	ExpectedPrefix string
}

func (a *DNSAssert) Type() types.AssertType {
	return types.AssertDNSLookup
}

func (a *DNSAssert) Describe() string {
	return fmt.Sprintf("%s resolves to %s*", a.Hostname, a.ExpectedPrefix)
}

// Check resolves the hostname and passes iff any returned address starts
// with the expected prefix. Latency is the wall clock of the lookup.
func (a *DNSAssert) Check(ctx context.Context) types.CheckResult {
	result := types.CheckResult{AssertType: types.AssertDNSLookup}

	start := time.Now()
	addrs, err := a.resolver.LookupHost(ctx, a.Hostname)
	result.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		result.Detail = fmt.Sprintf("lookup %s: %v", a.Hostname, err)
		return result
	}
	if len(addrs) == 0 {
		result.Detail = fmt.Sprintf("lookup %s: no addresses", a.Hostname)
		return result
	}

	for _, addr := range addrs {
		if strings.HasPrefix(addr, a.ExpectedPrefix) {
			result.Success = true
			break
		}
	}
	result.Detail = fmt.Sprintf("%s resolved to %s", a.Hostname, strings.Join(addrs, ", "))
	return result
}
