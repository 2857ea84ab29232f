package tb

import (
	"fmt"
	"sort"
	"time"
)

// RetentionPolicy describes which dated backup folders survive a sweep.
//
// The retain-set is the union of the last DailyDays days and every WeeklyInterval-th
// day going back WeeklyInterval*WeeklyCount days. It is sparse: a folder that is neither
// inside the daily window nor on a weekly checkpoint is deleted, however recent.
type RetentionPolicy struct {
	DailyDays      int
	WeeklyInterval int
	WeeklyCount    int
}

// Validate checks that every parameter is usable.
func (p RetentionPolicy) Validate() error {
	if p.DailyDays < 1 {
		return fmt.Errorf("retention daily_days must be at least 1, got %d", p.DailyDays)
	}
	if p.WeeklyInterval < 1 {
		return fmt.Errorf("retention weekly_interval must be at least 1, got %d", p.WeeklyInterval)
	}
	if p.WeeklyCount < 0 {
		return fmt.Errorf("retention weekly_count must not be negative, got %d", p.WeeklyCount)
	}
	return nil
}

// DatesToKeep returns the set of YYYYMMDD stamps retained relative to now.
func (p RetentionPolicy) DatesToKeep(now time.Time) map[string]bool {
	keep := make(map[string]bool)
	for i := 0; i < p.DailyDays; i++ {
		keep[FormatDate(now.AddDate(0, 0, -i))] = true
	}
	if p.WeeklyInterval > 0 {
		for i := 0; i < p.WeeklyInterval*p.WeeklyCount; i += p.WeeklyInterval {
			keep[FormatDate(now.AddDate(0, 0, -i))] = true
		}
	}
	return keep
}

// DeletionCandidates returns the folders whose embedded date is not retained, sorted.
// Folders that do not follow the naming convention are never candidates.
func (p RetentionPolicy) DeletionCandidates(now time.Time, folders []string) []string {
	keep := p.DatesToKeep(now)
	var out []string
	for _, f := range folders {
		date, ok := ExtractDate(f)
		if !ok {
			continue
		}
		if !keep[date] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
