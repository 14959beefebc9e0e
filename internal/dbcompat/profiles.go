package dbcompat

import (
	"slices"
	"strings"
)

// Profile describes the structural capabilities of a storage engine.
type Profile struct {
	Provider          string   `json:"provider"`
	Embedded          bool     `json:"embedded"`
	RowLevelSecurity  bool     `json:"row_level_security"`
	Schemas           bool     `json:"schemas"`
	ReadReplicas      bool     `json:"read_replicas"`
	Sharding          bool     `json:"sharding"`
	EncryptionAtRest  bool     `json:"encryption_at_rest"`
	AuditLogging      bool     `json:"audit_logging"`
	ConnectionPooling bool     `json:"connection_pooling"`
	Compliance        []string `json:"compliance,omitempty"`
}

func (p Profile) Attests(standard string) bool {
	return slices.ContainsFunc(p.Compliance, func(candidate string) bool {
		return strings.EqualFold(candidate, standard)
	})
}

var (
	standardsBroad  = []string{"gdpr", "hipaa", "soc2", "pci-dss", "iso27001"}
	standardsCloud  = []string{"gdpr", "hipaa", "soc2"}
	standardsCommon = []string{"gdpr", "soc2", "pci-dss"}
)

// preference is the order replacements are proposed in.
var preference = []string{
	"postgresql", "cockroachdb", "supabase", "neon", "mysql", "planetscale",
	"mongodb", "mssql", "dynamodb", "mariadb", "libsql", "sqlite",
}

var profiles = map[string]Profile{
	"postgresql": {
		Provider: "postgresql", RowLevelSecurity: true, Schemas: true, ReadReplicas: true,
		EncryptionAtRest: true, AuditLogging: true, Compliance: standardsBroad,
	},
	"mysql": {
		Provider: "mysql", ReadReplicas: true, EncryptionAtRest: true, AuditLogging: true,
		Compliance: standardsCommon,
	},
	"mariadb": {
		Provider: "mariadb", ReadReplicas: true, EncryptionAtRest: true, AuditLogging: true,
		Compliance: standardsCommon,
	},
	"sqlite": {
		Provider: "sqlite", Embedded: true,
	},
	"libsql": {
		Provider: "libsql", Embedded: true, ReadReplicas: true, EncryptionAtRest: true,
		Compliance: []string{"gdpr"},
	},
	"mongodb": {
		Provider: "mongodb", ReadReplicas: true, Sharding: true, EncryptionAtRest: true,
		AuditLogging: true, Compliance: []string{"gdpr", "hipaa", "soc2", "pci-dss"},
	},
	"cockroachdb": {
		Provider: "cockroachdb", RowLevelSecurity: true, Schemas: true, ReadReplicas: true,
		Sharding: true, EncryptionAtRest: true, AuditLogging: true, Compliance: standardsBroad,
	},
	"mssql": {
		Provider: "mssql", RowLevelSecurity: true, Schemas: true, ReadReplicas: true,
		EncryptionAtRest: true, AuditLogging: true, Compliance: standardsBroad,
	},
	"dynamodb": {
		Provider: "dynamodb", ReadReplicas: true, Sharding: true, EncryptionAtRest: true,
		AuditLogging: true, ConnectionPooling: true, Compliance: standardsBroad,
	},
	"planetscale": {
		Provider: "planetscale", ReadReplicas: true, Sharding: true, EncryptionAtRest: true,
		AuditLogging: true, ConnectionPooling: true, Compliance: standardsCloud,
	},
	"neon": {
		Provider: "neon", RowLevelSecurity: true, Schemas: true, ReadReplicas: true,
		EncryptionAtRest: true, ConnectionPooling: true, Compliance: standardsCloud,
	},
	"supabase": {
		Provider: "supabase", RowLevelSecurity: true, Schemas: true, ReadReplicas: true,
		EncryptionAtRest: true, AuditLogging: true, ConnectionPooling: true, Compliance: standardsCloud,
	},
}

// Lookup returns the profile registered for provider.
func Lookup(provider string) (Profile, bool) {
	profile, ok := profiles[strings.ToLower(provider)]
	return profile, ok
}

// IsEmbedded reports whether provider is a known single-file embedded engine.
func IsEmbedded(provider string) bool {
	profile, ok := Lookup(provider)
	return ok && profile.Embedded
}

// Profiles returns every engine profile in preference order.
func Profiles() []Profile {
	out := make([]Profile, 0, len(preference))
	for _, provider := range preference {
		out = append(out, profiles[provider])
	}
	return out
}
