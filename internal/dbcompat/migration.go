package dbcompat

import (
	"fmt"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

const (
	maintenanceBaseMinutes   = 60
	maintenanceMinutesPer100 = 15
	blueGreenMinutes         = 5
)

// PlanType picks the migration style from load and latency strictness.
func PlanType(ctx DatabaseContext) core.MigrationType {
	switch {
	case ctx.Scaling.ExpectedLoad == core.LoadEnterprise || ctx.StrictLatency():
		return core.MigrationZeroDowntime
	case ctx.Scaling.ExpectedLoad == core.LoadHigh:
		return core.MigrationBlueGreen
	default:
		return core.MigrationMaintenanceWindow
	}
}

// BuildMigrationPlan synthesizes the plan for moving from one engine to another.
func BuildMigrationPlan(from core.ServiceIdentifier, to core.ServiceIdentifier, ctx DatabaseContext) core.MigrationPlan {
	planType := PlanType(ctx)
	plan := core.MigrationPlan{
		Type:          planType,
		From:          from,
		To:            to,
		Prerequisites: prerequisites(from, to, ctx, planType),
		Validation: core.MigrationChecks{
			PreChecks: []string{
				fmt.Sprintf("verify a restorable backup of %s exists", from.Provider),
				fmt.Sprintf("confirm %s is reachable from every application instance", to.Provider),
				"record per-tenant row counts and checksums",
			},
			PostChecks: []string{
				"compare per-tenant row counts and checksums",
				"run tenant isolation tests against the new engine",
				"confirm error rate and latency are within budget",
			},
			RollbackChecks: []string{
				fmt.Sprintf("confirm %s still accepts writes", from.Provider),
				"verify no tenant data was written only to the new engine",
			},
		},
	}

	switch planType {
	case core.MigrationZeroDowntime:
		plan.EstimatedDowntimeMinutes = 0
		plan.Steps = []core.MigrationStep{
			step("backup", fmt.Sprintf("take a full backup of %s", from.Provider), "30m", true, core.LevelLow),
			step("provision", fmt.Sprintf("provision %s", to.Provider), "1h", true, core.LevelLow),
			step("schema", "apply the schema and tenancy layout to the new engine", "1h", true, core.LevelMedium),
			step("sync-setup", "set up continuous replication from the old engine", "2h", true, core.LevelMedium),
			step("backfill", "backfill historical data and wait for replication lag to settle", "4h", true, core.LevelMedium),
			step("cutover", "switch writes to the new engine and stop replication", "15m", false, core.LevelHigh),
			step("verify", "run post-migration validation", "1h", true, core.LevelLow),
			step("decommission", fmt.Sprintf("decommission %s", from.Provider), "30m", false, core.LevelMedium),
		}
	case core.MigrationBlueGreen:
		plan.EstimatedDowntimeMinutes = blueGreenMinutes
		plan.Steps = []core.MigrationStep{
			step("backup", fmt.Sprintf("take a full backup of %s", from.Provider), "30m", true, core.LevelLow),
			step("provision-green", fmt.Sprintf("provision the green environment on %s", to.Provider), "1h", true, core.LevelLow),
			step("schema", "apply the schema and tenancy layout to green", "1h", true, core.LevelMedium),
			step("copy-data", "copy data from blue to green", "3h", true, core.LevelMedium),
			step("traffic-switch", "switch application traffic from blue to green", "5m", true, core.LevelMedium),
			step("verify", "run post-migration validation", "1h", true, core.LevelLow),
			step("decommission-blue", "decommission the blue environment", "30m", false, core.LevelMedium),
		}
	default:
		plan.EstimatedDowntimeMinutes = maintenanceBaseMinutes + maintenanceMinutesPer100*(ctx.MultiTenancy.MaxTenants/100)
		plan.Steps = []core.MigrationStep{
			step("announce", "announce the maintenance window to tenants", "1d", true, core.LevelLow),
			step("backup", fmt.Sprintf("take a full backup of %s", from.Provider), "30m", true, core.LevelLow),
			step("provision", fmt.Sprintf("provision %s", to.Provider), "1h", true, core.LevelLow),
			step("freeze-writes", "stop application writes", "5m", true, core.LevelMedium),
			step("migrate", "export, transform and import all tenant data", "2h", true, core.LevelHigh),
			step("switch", "point the application at the new engine", "10m", true, core.LevelMedium),
			step("verify", "run post-migration validation and resume writes", "30m", true, core.LevelLow),
		}
	}

	return plan
}

func prerequisites(from core.ServiceIdentifier, to core.ServiceIdentifier, ctx DatabaseContext, planType core.MigrationType) []string {
	items := []string{
		fmt.Sprintf("application data layer supports %s", to.Provider),
		fmt.Sprintf("export tooling available for %s", from.Provider),
	}
	if ctx.MultiTenancy.Strategy != "" {
		items = append(items, fmt.Sprintf("%s tenancy strategy designed for %s", ctx.MultiTenancy.Strategy, to.Provider))
	}
	if planType == core.MigrationZeroDowntime {
		items = append(items, "change data capture or logical replication enabled on the source")
	}
	if planType == core.MigrationBlueGreen {
		items = append(items, "load balancer or connection routing able to switch environments")
	}
	if IsEmbedded(from.Provider) {
		items = append(items, "network access and credentials for the new database server")
	}
	return items
}

func step(id string, description string, estimate string, reversible bool, risk core.Level) core.MigrationStep {
	return core.MigrationStep{
		ID:            id,
		Description:   description,
		EstimatedTime: estimate,
		Reversible:    reversible,
		RiskLevel:     risk,
	}
}
