package sync

import "time"

// Transfer parameter table, one row per tier. Monotonicity is the load-
// bearing property: as the tier degrades, batch size strictly decreases
// (fewer records at risk per round trip) and the per-call timeout strictly
// increases (slow links need more headroom, not less). The table is
// exercised directly by TestParamsMonotonicity.
var tierParams = map[Tier]TransferParams{
	TierExcellent: {
		BatchSize:   50,
		SubBatch:    8,
		Timeout:     15 * time.Second,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	},
	TierGood: {
		BatchSize:   25,
		SubBatch:    4,
		Timeout:     30 * time.Second,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  60 * time.Second,
	},
	TierFair: {
		BatchSize:   10,
		SubBatch:    2,
		Timeout:     60 * time.Second,
		BaseBackoff: 4 * time.Second,
		MaxBackoff:  2 * time.Minute,
	},
	TierPoor: {
		BatchSize:   3,
		SubBatch:    1,
		Timeout:     2 * time.Minute,
		BaseBackoff: 8 * time.Second,
		MaxBackoff:  5 * time.Minute,
	},
	// TierOffline intentionally absent: the zero value is the
	// do-not-attempt sentinel (BatchSize == 0).
}

// ParamsFor derives transfer parameters from a quality tier. It is a pure
// function: no side effects, no network access. Unknown tiers degrade to
// the offline sentinel.
func ParamsFor(tier Tier) TransferParams {
	return tierParams[tier]
}
