// Package assert implements the pluggable tunnel health checks.
//
// # Design
//
//  1. Declarative specs: checks are described by types.AssertSpec in config
//  2. Load-time compilation: specs are resolved into Assert values once, by a
//     fixed dispatch on the spec type — never by reflection at check time
//  3. No escalation: a check never returns an error; transport and lookup
//     failures become a failed CheckResult with a diagnostic detail
//
// # Adding New Asserts
//
// To add a new assert type:
//
//  1. Create a new file (e.g., tcp.go) implementing the Assert interface
//  2. Add the spec fields and validation to types.AssertSpec
//  3. Add a case to Compiler.Compile
package assert

import (
	"context"
	"fmt"
	"net"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// Assert is one compiled health check, bound to its parameters.
//
// Check must honor ctx for all blocking work and must never panic or return
// an error path of its own: every failure mode is expressed in the result.
type Assert interface {
	// Type returns the assert type identifier (e.g., "dns_lookup").
	Type() types.AssertType

	// Describe returns a human-readable summary of what the check asserts.
	Describe() string

	// Check runs the health check and reports the outcome with latency.
	Check(ctx context.Context) types.CheckResult
}

// Compiler resolves AssertSpecs into executable asserts. It owns the shared
// collaborators (DNS resolver, geolocation client) so compiled asserts stay
// cheap value-like objects.
type Compiler struct {
	resolver Resolver
	geo      *GeoClient
}

// NewCompiler creates a compiler. resolver may be nil to use the system
// resolver; geo is required only when geolocation asserts are configured.
func NewCompiler(resolver Resolver, geo *GeoClient) *Compiler {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Compiler{resolver: resolver, geo: geo}
}

// Compile resolves one spec. Unknown or incomplete specs are rejected here,
// at load time, so a malformed spec can never reach a check cycle.
func (c *Compiler) Compile(spec types.AssertSpec) (Assert, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Type {
	case types.AssertDNSLookup:
		return &DNSAssert{
			resolver:       c.resolver,
			Hostname:       spec.Hostname,
			ExpectedPrefix: spec.ExpectedPrefix,
		}, nil
	case types.AssertGeolocation:
		if c.geo == nil {
			return nil, fmt.Errorf("geolocation asserts require a geolocation client")
		}
		return &GeoAssert{
			client:        c.geo,
			Field:         spec.Field,
			ExpectedValue: spec.ExpectedValue,
		}, nil
	default:
		return nil, fmt.Errorf("unknown assert type: %q", spec.Type)
	}
}

// CompileAll resolves an ordered list of specs, preserving order.
func (c *Compiler) CompileAll(specs []types.AssertSpec) ([]Assert, error) {
	asserts := make([]Assert, 0, len(specs))
	for i, spec := range specs {
		a, err := c.Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("assert %d: %w", i, err)
		}
		asserts = append(asserts, a)
	}
	return asserts, nil
}
