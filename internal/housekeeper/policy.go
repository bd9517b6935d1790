package housekeeper

import (
	"sort"
	"time"
)

// fileInfo is one examined file.
type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// candidates computes the deletion set for one registration: the union of
// the age, count, and size policy sets. Files are considered oldest first
// so the result is deterministic for equal inputs.
func candidates(files []fileInfo, r *Registration, now time.Time) []fileInfo {
	sorted := make([]fileInfo, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].modTime.Equal(sorted[j].modTime) {
			return sorted[i].modTime.Before(sorted[j].modTime)
		}
		return sorted[i].path < sorted[j].path
	})

	selected := make(map[string]bool)

	// Age: files whose mod time is older than the retention window.
	if r.RetentionDays > 0 {
		cutoff := now.Add(-time.Duration(r.RetentionDays) * 24 * time.Hour)
		for _, f := range sorted {
			if f.modTime.Before(cutoff) {
				selected[f.path] = true
			}
		}
	}

	// Count: the oldest files beyond the cap.
	if r.MaxFiles > 0 && len(sorted) > r.MaxFiles {
		for _, f := range sorted[:len(sorted)-r.MaxFiles] {
			selected[f.path] = true
		}
	}

	// Size: oldest files until the total is back under the cap.
	if r.MaxSizeMB > 0 {
		var total int64
		for _, f := range sorted {
			total += f.size
		}
		limit := int64(r.MaxSizeMB) * 1024 * 1024
		for _, f := range sorted {
			if total <= limit {
				break
			}
			selected[f.path] = true
			total -= f.size
		}
	}

	var out []fileInfo
	for _, f := range sorted {
		if selected[f.path] {
			out = append(out, f)
		}
	}
	return out
}
