package housekeeper

import (
	"fmt"
	"testing"
	"time"
)

const mb = 1024 * 1024

// agedFiles builds n files named f01..fn, each 20MB, where f01 is 1 day
// old and fn is n days old.
func agedFiles(now time.Time, n int) []fileInfo {
	files := make([]fileInfo, 0, n)
	for i := 1; i <= n; i++ {
		files = append(files, fileInfo{
			path:    fmt.Sprintf("f%02d", i),
			size:    20 * mb,
			modTime: now.Add(-time.Duration(i) * 24 * time.Hour),
		})
	}
	return files
}

func paths(files []fileInfo) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.path)
	}
	return out
}

func TestCandidatesUnionOfPolicies(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	files := agedFiles(now, 10)

	// Age selects files older than 7 days: f08, f09, f10.
	// Count keeps the 4 newest: f05..f10 go.
	// Size trims oldest until under 100MB: f10..f06 go.
	// Union: f05..f10.
	reg := &Registration{RetentionDays: 7, MaxFiles: 4, MaxSizeMB: 100}
	got := candidates(files, reg, now)

	want := []string{"f10", "f09", "f08", "f07", "f06", "f05"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", paths(got), want)
	}
	for i, f := range got {
		if f.path != want[i] {
			t.Errorf("candidates[%d] = %s, want %s", i, f.path, want[i])
		}
	}

	var bytes int64
	for _, f := range got {
		bytes += f.size
	}
	if bytes != 120*mb {
		t.Errorf("candidate bytes = %d, want 120MB", bytes)
	}
}

func TestCandidatesSinglePolicies(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	files := agedFiles(now, 10)

	t.Run("age only", func(t *testing.T) {
		got := candidates(files, &Registration{RetentionDays: 7}, now)
		want := []string{"f10", "f09", "f08"}
		if len(got) != len(want) {
			t.Fatalf("candidates = %v", paths(got))
		}
		for i, f := range got {
			if f.path != want[i] {
				t.Errorf("candidates[%d] = %s, want %s", i, f.path, want[i])
			}
		}
	})

	t.Run("count only", func(t *testing.T) {
		got := candidates(files, &Registration{MaxFiles: 4}, now)
		if len(got) != 6 || got[0].path != "f10" || got[5].path != "f05" {
			t.Errorf("candidates = %v", paths(got))
		}
	})

	t.Run("size only", func(t *testing.T) {
		got := candidates(files, &Registration{MaxSizeMB: 100}, now)
		// 200MB total; dropping the 5 oldest reaches exactly 100MB.
		if len(got) != 5 || got[0].path != "f10" || got[4].path != "f06" {
			t.Errorf("candidates = %v", paths(got))
		}
	})

	t.Run("nothing exceeds", func(t *testing.T) {
		got := candidates(files, &Registration{RetentionDays: 30, MaxFiles: 20, MaxSizeMB: 500}, now)
		if len(got) != 0 {
			t.Errorf("candidates = %v, want none", paths(got))
		}
	})
}

func TestCandidatesDeterministicTiebreak(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	same := now.Add(-48 * time.Hour)
	files := []fileInfo{
		{path: "b", size: mb, modTime: same},
		{path: "a", size: mb, modTime: same},
		{path: "c", size: mb, modTime: same},
	}

	got := candidates(files, &Registration{MaxFiles: 1}, now)
	if len(got) != 2 || got[0].path != "a" || got[1].path != "b" {
		t.Errorf("candidates = %v, want [a b]", paths(got))
	}
}
