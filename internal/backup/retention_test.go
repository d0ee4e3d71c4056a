package backup

import (
	"fmt"
	"testing"
	"time"

	"github.com/virtbak/virtbak/internal/models"
)

func artifactsAt(now time.Time, ages ...time.Duration) []Artifact {
	arts := make([]Artifact, 0, len(ages))
	for i, age := range ages {
		arts = append(arts, Artifact{
			Path:      fmt.Sprintf("/backups/100-%d.vma.zst", i),
			Timestamp: now.Add(-age),
		})
	}
	return arts
}

func TestComputeKeepSet(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("mixed ages against tight policy", func(t *testing.T) {
		policy := models.RetentionPolicy{Hourly: 2, Daily: 1}
		arts := artifactsAt(now,
			30*time.Minute,
			90*time.Minute,
			20*time.Hour,
			2*24*time.Hour,
			10*24*time.Hour,
		)

		kept := ComputeKeepSet(arts, policy, now)

		wantKept := map[string]bool{
			arts[0].Path: true, // 30m, hourly window
			arts[1].Path: true, // 90m, hourly window
			arts[2].Path: true, // 20h, daily window
		}
		for _, a := range arts {
			if kept[a.Path] != wantKept[a.Path] {
				t.Errorf("artifact %s (age %v): kept=%v, want %v",
					a.Path, now.Sub(a.Timestamp), kept[a.Path], wantKept[a.Path])
			}
		}
	})

	t.Run("cap overflow deletes oldest in window", func(t *testing.T) {
		policy := models.RetentionPolicy{Hourly: 2}
		arts := artifactsAt(now, 10*time.Minute, 30*time.Minute, 50*time.Minute, 70*time.Minute)

		kept := ComputeKeepSet(arts, policy, now)
		if !kept[arts[0].Path] || !kept[arts[1].Path] {
			t.Error("newest two artifacts should be kept")
		}
		if kept[arts[2].Path] {
			t.Error("third artifact exceeds hourly cap and must not be kept")
		}
		if kept[arts[3].Path] {
			t.Error("fourth artifact exceeds hourly cap and must not be kept")
		}
	})

	t.Run("zero cap skips window entirely", func(t *testing.T) {
		policy := models.RetentionPolicy{Daily: 3}
		arts := artifactsAt(now, 30*time.Minute, 2*24*time.Hour)

		kept := ComputeKeepSet(arts, policy, now)
		// With no hourly window, the young artifact lands in the daily window.
		if !kept[arts[0].Path] {
			t.Error("young artifact should be kept by the daily window")
		}
		if !kept[arts[1].Path] {
			t.Error("2-day-old artifact is inside the 3-day daily window")
		}
	})

	t.Run("default policy keeps recent history", func(t *testing.T) {
		policy := models.DefaultRetentionPolicy()
		arts := artifactsAt(now,
			time.Hour,
			3*24*time.Hour,
			20*24*time.Hour,
			80*24*time.Hour,
			200*24*time.Hour,
		)

		kept := ComputeKeepSet(arts, policy, now)
		for i := 0; i < 4; i++ {
			if !kept[arts[i].Path] {
				t.Errorf("artifact aged %v should be kept by default policy", now.Sub(arts[i].Timestamp))
			}
		}
		if kept[arts[4].Path] {
			t.Error("200-day-old artifact is outside every default window")
		}
	})

	t.Run("empty input", func(t *testing.T) {
		kept := ComputeKeepSet(nil, models.DefaultRetentionPolicy(), now)
		if len(kept) != 0 {
			t.Errorf("expected empty keep set, got %d entries", len(kept))
		}
	})

	t.Run("future timestamp counts as age zero", func(t *testing.T) {
		policy := models.RetentionPolicy{Hourly: 1}
		arts := []Artifact{{Path: "/backups/100-future.vma.zst", Timestamp: now.Add(time.Hour)}}

		kept := ComputeKeepSet(arts, policy, now)
		if !kept[arts[0].Path] {
			t.Error("artifact with clock skew into the future should be kept")
		}
	})
}
