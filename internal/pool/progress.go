package pool

import (
	"fmt"
	"sync"
	"time"
)

// ProgressTracker keeps per-file byte progress for the units workers are
// currently moving.
type ProgressTracker struct {
	transfers map[string]*Progress
	mu        sync.RWMutex
	now       func() time.Time
}

// Progress of a single file.
type Progress struct {
	Key            string
	Name           string
	Status         Status
	RangesDone     int
	TotalRanges    int
	Bytes          int64
	TotalBytes     int64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*Progress),
		now:       time.Now,
	}
}

// Start begins tracking key, replacing any earlier attempt.
func (pt *ProgressTracker) Start(key, name string, totalRanges int, totalBytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	pt.transfers[key] = &Progress{
		Key:            key,
		Name:           name,
		Status:         InProgress,
		TotalRanges:    totalRanges,
		TotalBytes:     totalBytes,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records that bytes of key have moved.
func (pt *ProgressTracker) Update(key string, rangesDone int, bytes int64, status Status) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.transfers[key]
	if !ok {
		return
	}
	now := pt.now()
	p.RangesDone = rangesDone
	p.Bytes = bytes
	p.Status = status
	p.LastUpdateTime = now

	if elapsed := now.Sub(p.StartTime).Seconds(); elapsed > 0 {
		p.Speed = float64(bytes) / elapsed
	}
	if p.Speed > 0 && p.TotalBytes > bytes {
		p.EstimatedTime = time.Duration(float64(p.TotalBytes-bytes)/p.Speed) * time.Second
	} else {
		p.EstimatedTime = 0
	}
}

// Get returns a copy of the progress for key.
func (pt *ProgressTracker) Get(key string) (Progress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.transfers[key]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

func (pt *ProgressTracker) Remove(key string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.transfers, key)
}

// All returns copies of every tracked transfer.
func (pt *ProgressTracker) All() map[string]Progress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make(map[string]Progress, len(pt.transfers))
	for k, p := range pt.transfers {
		out[k] = *p
	}
	return out
}

// Summary is a one line human readable progress string.
func (p Progress) Summary() string {
	pct := 0.0
	if p.TotalBytes > 0 {
		pct = float64(p.Bytes) / float64(p.TotalBytes) * 100.0
	}
	s := fmt.Sprintf("%s %d/%d ranges, %s/%s (%.1f%%)", p.Name, p.RangesDone, p.TotalRanges,
		formatBytes(p.Bytes), formatBytes(p.TotalBytes), pct)
	if p.Speed > 0 {
		s += fmt.Sprintf(", %s/s", formatBytes(int64(p.Speed)))
	}
	if p.EstimatedTime > 0 {
		s += ", ETA " + formatDuration(p.EstimatedTime)
	}
	return s
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
