package taskname

const (
	// Ledger tasks
	LedgerAggregateRun = "ledger:aggregate:run"

	// On-chain tasks
	OnChainRetryRun = "onchain:retry:run"

	// Defense tasks
	DefenseAuditRun = "defense:audit:run"

	// Settlement queue maintenance
	JobsStaleSweep = "jobs:stale:sweep"
)
