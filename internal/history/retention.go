package history

import (
	"sort"

	"github.com/starford/driftwatch/internal/models"
)

// Retention keeps the KeepRecent newest snapshots and, among the older
// ones, the newest snapshot of each UTC calendar day for up to KeepDaily
// days. KeepDaily 0 keeps one per day without limit.
type Retention struct {
	KeepRecent int `yaml:"keep_recent"`
	KeepDaily  int `yaml:"keep_daily"`
}

// Keep returns the IDs of the snapshots to retain.
func (r Retention) Keep(infos []models.SnapshotInfo) map[string]bool {
	sorted := append([]models.SnapshotInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TakenAt.After(sorted[j].TakenAt) })

	keep := make(map[string]bool)
	days := make(map[string]bool)
	for i, info := range sorted {
		if i < r.KeepRecent {
			keep[info.ID] = true
			continue
		}
		day := info.TakenAt.UTC().Format("2006-01-02")
		if days[day] {
			continue
		}
		if r.KeepDaily > 0 && len(days) >= r.KeepDaily {
			continue
		}
		days[day] = true
		keep[info.ID] = true
	}
	return keep
}
