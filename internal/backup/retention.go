// Package backup implements the backup lifecycle engine: artifact creation,
// verification, restore, retention, recovery testing, and scheduling.
package backup

import (
	"sort"
	"time"

	"github.com/virtbak/virtbak/internal/models"
)

// Artifact is one backup file as seen on disk during a retention sweep.
type Artifact struct {
	Path      string
	Timestamp time.Time
	SizeBytes int64
}

// retentionWindow pairs a window length with its keep cap. The window
// length scales with the cap: a cap of 24 hourly artifacts covers the last
// 24 hours, 7 daily the last 7 days, and so on. A zero cap yields an empty
// window.
type retentionWindow struct {
	name string
	span time.Duration
	cap  int
}

func windowsFor(policy models.RetentionPolicy) []retentionWindow {
	const day = 24 * time.Hour
	return []retentionWindow{
		{name: "hourly", span: time.Duration(policy.Hourly) * time.Hour, cap: policy.Hourly},
		{name: "daily", span: time.Duration(policy.Daily) * day, cap: policy.Daily},
		{name: "weekly", span: time.Duration(policy.Weekly) * 7 * day, cap: policy.Weekly},
		{name: "monthly", span: time.Duration(policy.Monthly) * 30 * day, cap: policy.Monthly},
	}
}

// ComputeKeepSet decides which artifacts a retention sweep keeps.
//
// Each artifact is assigned to exactly one window, the youngest one whose
// span still covers its age; within a window the newest artifacts are kept
// up to the window's cap. Artifacts older than every window, or overflowing
// their window's cap, are deleted. Assigning each artifact to a single
// window keeps the caps predictable: an artifact can never consume slots in
// two windows at once.
func ComputeKeepSet(artifacts []Artifact, policy models.RetentionPolicy, now time.Time) map[string]bool {
	windows := windowsFor(policy)

	sorted := make([]Artifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	kept := make(map[string]bool)
	counts := make(map[string]int, len(windows))

	for _, a := range sorted {
		age := now.Sub(a.Timestamp)
		if age < 0 {
			age = 0
		}
		for _, w := range windows {
			if w.cap <= 0 || age > w.span {
				continue
			}
			if counts[w.name] < w.cap {
				kept[a.Path] = true
				counts[w.name]++
			}
			// Youngest applicable window only; an over-cap artifact does
			// not fall through to an older window.
			break
		}
	}
	return kept
}
