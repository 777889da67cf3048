package assert

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// fakeResolver returns canned answers without touching the network.
type fakeResolver struct {
	addrs []string
	err   error
}

func (f *fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return f.addrs, f.err
}

func TestDNSAssertPrefixMatch(t *testing.T) {
	tests := []struct {
		name        string
		addrs       []string
		err         error
		prefix      string
		wantSuccess bool
	}{
		{
			name:        "cgnat range match",
			addrs:       []string{"100.64.1.5"},
			prefix:      "100.",
			wantSuccess: true,
		},
		{
			name:        "wrong range",
			addrs:       []string{"10.0.0.5"},
			prefix:      "100.",
			wantSuccess: false,
		},
		{
			name:        "any address may match",
			addrs:       []string{"10.0.0.5", "100.64.1.5"},
			prefix:      "100.",
			wantSuccess: true,
		},
		{
			name:        "resolution failure",
			err:         errors.New("no such host"),
			prefix:      "100.",
			wantSuccess: false,
		},
		{
			name:        "empty answer",
			addrs:       []string{},
			prefix:      "100.",
			wantSuccess: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &DNSAssert{
				resolver:       &fakeResolver{addrs: tt.addrs, err: tt.err},
				Hostname:       "intranet.corp.example",
				ExpectedPrefix: tt.prefix,
			}

			result := a.Check(context.Background())
			if result.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (detail: %s)", result.Success, tt.wantSuccess, result.Detail)
			}
			if result.AssertType != types.AssertDNSLookup {
				t.Errorf("AssertType = %q, want %q", result.AssertType, types.AssertDNSLookup)
			}
			if result.LatencyMs < 0 {
				t.Errorf("LatencyMs = %f, want >= 0", result.LatencyMs)
			}
			if result.Detail == "" {
				t.Error("Detail should always describe the outcome")
			}
		})
	}
}

func TestDNSAssertDetailListsAddresses(t *testing.T) {
	a := &DNSAssert{
		resolver:       &fakeResolver{addrs: []string{"100.64.1.5", "100.64.1.6"}},
		Hostname:       "h.example",
		ExpectedPrefix: "100.",
	}

	result := a.Check(context.Background())
	if !strings.Contains(result.Detail, "100.64.1.5") || !strings.Contains(result.Detail, "100.64.1.6") {
		t.Errorf("Detail %q should list resolved addresses", result.Detail)
	}
}
