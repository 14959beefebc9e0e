package dbcompat

import (
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

// StrictLatencyMs is the latency budget at or below which a cache is expected.
const StrictLatencyMs = 50

type MultiTenancy struct {
	Strategy   core.TenancyStrategy `json:"strategy,omitempty"`
	MaxTenants int                  `json:"max_tenants,omitempty"`
}

type Scaling struct {
	ReadReplicas bool      `json:"read_replicas,omitempty"`
	Sharding     bool      `json:"sharding,omitempty"`
	ExpectedLoad core.Load `json:"expected_load,omitempty"`
}

type Compliance struct {
	Standards        []string `json:"standards,omitempty"`
	DataResidency    string   `json:"data_residency,omitempty"`
	EncryptionAtRest bool     `json:"encryption_at_rest,omitempty"`
	AuditLogging     bool     `json:"audit_logging,omitempty"`
}

type Performance struct {
	MaxLatencyMs int `json:"max_latency_ms,omitempty"`
	ExpectedQPS  int `json:"expected_qps,omitempty"`
}

type DatabaseContext struct {
	MultiTenancy MultiTenancy `json:"multi_tenancy"`
	Scaling      Scaling      `json:"scaling"`
	Compliance   Compliance   `json:"compliance"`
	Performance  Performance  `json:"performance"`
}

// StrictLatency reports whether a latency budget of StrictLatencyMs or less was requested.
func (c DatabaseContext) StrictLatency() bool {
	return c.Performance.MaxLatencyMs > 0 && c.Performance.MaxLatencyMs <= StrictLatencyMs
}

// Context exposes the database context to catalog rule conditions under
// dotted keys such as "multi_tenancy.strategy" and "compliance.gdpr".
func (c DatabaseContext) Context() core.Context {
	standards := make([]any, 0, len(c.Compliance.Standards))
	compliance := map[string]any{
		"data_residency":     c.Compliance.DataResidency,
		"encryption_at_rest": c.Compliance.EncryptionAtRest,
		"audit_logging":      c.Compliance.AuditLogging,
	}
	for _, standard := range c.Compliance.Standards {
		key := strings.ToLower(standard)
		standards = append(standards, key)
		compliance[key] = true
	}
	compliance["standards"] = standards

	return core.Context{
		"multi_tenancy": map[string]any{
			"strategy":    string(c.MultiTenancy.Strategy),
			"max_tenants": c.MultiTenancy.MaxTenants,
		},
		"scaling": map[string]any{
			"read_replicas": c.Scaling.ReadReplicas,
			"sharding":      c.Scaling.Sharding,
			"expected_load": string(c.Scaling.ExpectedLoad),
		},
		"compliance": compliance,
		"performance": map[string]any{
			"max_latency_ms": c.Performance.MaxLatencyMs,
			"expected_qps":   c.Performance.ExpectedQPS,
		},
		"expected_load": string(c.Scaling.ExpectedLoad),
	}
}

// MergeContext overlays extra onto base without modifying either.
func MergeContext(base core.Context, extra core.Context) core.Context {
	merged := make(core.Context, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}
