// Package activity turns raw foreground-window samples into a short report
// of what the user has been doing.
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"nudge-server/internal/model"
)

// Entry is a sample with the time attributed to it.
type Entry struct {
	App         string
	WindowTitle string
	Time        int64
	Duration    time.Duration
}

// ComputeDurations attributes time to each sample. samples must be newest
// first. A sample lasts until the next newer one started; the newest is still
// running at now. Client clocks are not trusted to be monotonic, so negative
// spans are clamped to zero.
func ComputeDurations(samples []model.ActivitySample, now time.Time) []Entry {
	entries := make([]Entry, len(samples))
	for i, s := range samples {
		end := now.Unix()
		if i > 0 {
			end = samples[i-1].Time
		}
		span := end - s.Time
		if span < 0 {
			span = 0
		}
		entries[i] = Entry{
			App:         s.App,
			WindowTitle: s.WindowTitle,
			Time:        s.Time,
			Duration:    time.Duration(span) * time.Second,
		}
	}
	return entries
}

// MergeSimilar folds entries whose window titles are within threshold edits
// of a newer entry into that entry. The newer title is kept and durations are
// summed, so the total is unchanged.
func MergeSimilar(entries []Entry, threshold int) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		merged := false
		for i := range out {
			if levenshtein.ComputeDistance(out[i].WindowTitle, e.WindowTitle) < threshold {
				out[i].Duration += e.Duration
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, e)
		}
	}
	return out
}

// FilterNoise drops entries lasting min or less.
func FilterNoise(entries []Entry, min time.Duration) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Duration > min {
			out = append(out, e)
		}
	}
	return out
}

func (e Entry) String() string {
	total := int64(e.Duration / time.Second)
	return fmt.Sprintf("%dm %ds on %s - %s", total/60, total%60, e.App, e.WindowTitle)
}

// Report is the rendered activity, oldest first.
type Report struct {
	Entries []Entry
}

func (r Report) Empty() bool { return len(r.Entries) == 0 }

func (r Report) String() string {
	lines := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// Reader is the slice of the store the aggregator needs.
type Reader interface {
	ActivitySince(ctx context.Context, userID int64, since, until int64, limit int) ([]model.ActivitySample, error)
	LatestActivity(ctx context.Context, userID int64, before int64) (model.ActivitySample, bool, error)
}

type Options struct {
	Window         time.Duration
	MaxSamples     int
	MergeThreshold int
	NoiseThreshold time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:         15 * time.Minute,
		MaxSamples:     50,
		MergeThreshold: 5,
		NoiseThreshold: 10 * time.Second,
	}
}

// BuildReport summarizes the user's activity in the window ending at now.
// With nothing in the window it falls back to the latest sample before now.
func BuildReport(ctx context.Context, r Reader, userID int64, opts Options, now time.Time) (Report, error) {
	until := now.Unix()
	since := now.Add(-opts.Window).Unix()
	samples, err := r.ActivitySince(ctx, userID, since, until, opts.MaxSamples)
	if err != nil {
		return Report{}, fmt.Errorf("load activity: %w", err)
	}
	if len(samples) == 0 {
		latest, ok, err := r.LatestActivity(ctx, userID, until)
		if err != nil {
			return Report{}, fmt.Errorf("load latest activity: %w", err)
		}
		if !ok {
			return Report{}, nil
		}
		samples = []model.ActivitySample{latest}
	}

	entries := ComputeDurations(samples, now)
	entries = MergeSimilar(entries, opts.MergeThreshold)
	entries = FilterNoise(entries, opts.NoiseThreshold)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return Report{Entries: entries}, nil
}
