package core

import "strings"

type BundleCategory string

const (
	CategoryStarter      BundleCategory = "starter"
	CategoryProfessional BundleCategory = "professional"
	CategoryEnterprise   BundleCategory = "enterprise"
	CategoryDevelopment  BundleCategory = "development"
)

func (c BundleCategory) Valid() bool {
	switch c {
	case CategoryStarter, CategoryProfessional, CategoryEnterprise, CategoryDevelopment:
		return true
	default:
		return false
	}
}

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

func (c Complexity) Valid() bool {
	switch c {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
		return true
	default:
		return false
	}
}

type Load string

const (
	LoadLow        Load = "low"
	LoadMedium     Load = "medium"
	LoadHigh       Load = "high"
	LoadEnterprise Load = "enterprise"
)

// Valid reports whether l is a known load tier. The empty value means unspecified.
func (l Load) Valid() bool {
	switch l {
	case "", LoadLow, LoadMedium, LoadHigh, LoadEnterprise:
		return true
	default:
		return false
	}
}

// Heavy reports whether the tier is high or enterprise.
func (l Load) Heavy() bool {
	return l == LoadHigh || l == LoadEnterprise
}

type Budget string

const (
	BudgetLow        Budget = "low"
	BudgetMedium     Budget = "medium"
	BudgetHigh       Budget = "high"
	BudgetEnterprise Budget = "enterprise"
)

func (b Budget) Valid() bool {
	switch b {
	case "", BudgetLow, BudgetMedium, BudgetHigh, BudgetEnterprise:
		return true
	default:
		return false
	}
}

type TeamSize string

const (
	TeamSolo   TeamSize = "solo"
	TeamSmall  TeamSize = "small"
	TeamMedium TeamSize = "medium"
	TeamLarge  TeamSize = "large"
)

func (t TeamSize) Valid() bool {
	switch t {
	case "", TeamSolo, TeamSmall, TeamMedium, TeamLarge:
		return true
	default:
		return false
	}
}

type BusinessModel string

const (
	BusinessMVP         BusinessModel = "mvp"
	BusinessStartup     BusinessModel = "startup"
	BusinessSaaS        BusinessModel = "saas"
	BusinessB2B         BusinessModel = "b2b"
	BusinessB2C         BusinessModel = "b2c"
	BusinessMarketplace BusinessModel = "marketplace"
	BusinessEnterprise  BusinessModel = "enterprise"
	BusinessInternal    BusinessModel = "internal"
)

func (m BusinessModel) Valid() bool {
	switch m {
	case BusinessMVP, BusinessStartup, BusinessSaaS, BusinessB2B, BusinessB2C,
		BusinessMarketplace, BusinessEnterprise, BusinessInternal:
		return true
	default:
		return false
	}
}

type TenancyStrategy string

const (
	TenancyDatabasePerTenant TenancyStrategy = "database-per-tenant"
	TenancySchemaPerTenant   TenancyStrategy = "schema-per-tenant"
	TenancyRowLevel          TenancyStrategy = "row-level"
	TenancyShared            TenancyStrategy = "shared"
)

func (s TenancyStrategy) Valid() bool {
	switch s {
	case "", TenancyDatabasePerTenant, TenancySchemaPerTenant, TenancyRowLevel, TenancyShared:
		return true
	default:
		return false
	}
}

type BundleServices struct {
	Core     []ServiceIdentifier `json:"core" yaml:"core" validate:"min=1,dive"`
	Optional []ServiceIdentifier `json:"optional,omitempty" yaml:"optional,omitempty" validate:"dive"`
}

// All returns core services followed by optional ones.
func (s BundleServices) All() []ServiceIdentifier {
	services := make([]ServiceIdentifier, 0, len(s.Core)+len(s.Optional))
	services = append(services, s.Core...)
	return append(services, s.Optional...)
}

type BundleRequirements struct {
	MinTenants   int      `json:"min_tenants" yaml:"min_tenants" validate:"min=0"`
	MaxTenants   int      `json:"max_tenants" yaml:"max_tenants" validate:"gtefield=MinTenants"`
	ExpectedLoad Load     `json:"expected_load" yaml:"expected_load" validate:"load"`
	Compliance   []string `json:"compliance,omitempty" yaml:"compliance,omitempty"`
	Budget       Budget   `json:"budget" yaml:"budget" validate:"budget"`
}

type Deployment struct {
	Complexity Complexity `json:"complexity" yaml:"complexity" validate:"complexity"`
	Platforms  []string   `json:"platforms,omitempty" yaml:"platforms,omitempty"`
}

type Bundle struct {
	ID           string             `json:"id" yaml:"id" validate:"required"`
	Name         string             `json:"name" yaml:"name" validate:"required"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Category     BundleCategory     `json:"category" yaml:"category" validate:"category"`
	Services     BundleServices     `json:"services" yaml:"services"`
	Requirements BundleRequirements `json:"requirements" yaml:"requirements"`
	Features     []string           `json:"features,omitempty" yaml:"features,omitempty"`
	Deployment   Deployment         `json:"deployment" yaml:"deployment"`
}

// Service returns the first bundled service of the given type.
func (b Bundle) Service(serviceType string) (ServiceIdentifier, bool) {
	for _, service := range b.Services.All() {
		if strings.EqualFold(service.Type, serviceType) {
			return service, true
		}
	}
	return ServiceIdentifier{}, false
}

// BundleRequest profiles the application a bundle is chosen for. Enum fields
// are not restricted: values outside the known sets score as no match.
type BundleRequest struct {
	BusinessModel          BusinessModel       `json:"business_model"`
	ExpectedTenants        int                 `json:"expected_tenants" validate:"min=0"`
	ExpectedUsers          int                 `json:"expected_users" validate:"min=0"`
	Features               []string            `json:"features,omitempty"`
	Budget                 Budget              `json:"budget,omitempty"`
	TeamSize               TeamSize            `json:"team_size,omitempty"`
	Compliance             []string            `json:"compliance,omitempty"`
	TenancyStrategy        TenancyStrategy     `json:"tenancy_strategy,omitempty"`
	ExpectedLoad           Load                `json:"expected_load,omitempty"`
	MaxLatencyMs           int                 `json:"max_latency_ms,omitempty" validate:"min=0"`
	ExistingInfrastructure []ServiceIdentifier `json:"existing_infrastructure,omitempty"`
}

type ScoreBreakdown struct {
	BusinessModel int `json:"business_model"`
	Scale         int `json:"scale"`
	Features      int `json:"features"`
	Budget        int `json:"budget"`
	Team          int `json:"team"`
	Compliance    int `json:"compliance"`
}

func (b ScoreBreakdown) Total() int {
	return b.BusinessModel + b.Scale + b.Features + b.Budget + b.Team + b.Compliance
}

type BundleScore struct {
	BundleID  string         `json:"bundle_id"`
	Score     int            `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

type ServiceReplacement struct {
	From ServiceIdentifier `json:"from"`
	To   ServiceIdentifier `json:"to"`
}

type MigrationPath struct {
	Replacements []ServiceReplacement `json:"replacements"`
	Steps        []string             `json:"steps"`
	Warnings     []string             `json:"warnings,omitempty"`
}

type SetupEstimate struct {
	Hours         int      `json:"hours"`
	Prerequisites []string `json:"prerequisites"`
}

type BundleRecommendation struct {
	Recommended    Bundle         `json:"recommended"`
	Alternatives   []Bundle       `json:"alternatives"`
	Scores         []BundleScore  `json:"scores"`
	Reasoning      []string       `json:"reasoning"`
	MigrationPath  *MigrationPath `json:"migration_path,omitempty"`
	Compatibility  CheckResult    `json:"compatibility"`
	EstimatedSetup SetupEstimate  `json:"estimated_setup"`
}
