package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// dayFormat is the day-marker layout in the state file.
const dayFormat = "2006-01-02"

// state is the persisted counter document: call timestamps inside the rolling
// window (fractional unix seconds), the daily counter, and the day marker the
// counter belongs to.
type state struct {
	Timestamps []float64 `json:"timestamps"`
	DailyCount int       `json:"daily_count"`
	DayMarker  string    `json:"day_marker"`
}

// rollDay resets the daily counter when the day marker no longer matches the
// current day in the reference timezone.
func (s *state) rollDay(now time.Time, loc *time.Location) {
	day := now.In(loc).Format(dayFormat)
	if s.DayMarker != day {
		s.DayMarker = day
		s.DailyCount = 0
	}
}

// prune drops timestamps that have left the rolling window.
func (s *state) prune(now time.Time, window time.Duration) {
	cutoff := unixSeconds(now.Add(-window))
	kept := s.Timestamps[:0]
	for _, ts := range s.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	s.Timestamps = kept
}

// oldest returns the earliest retained timestamp. Call after prune with a
// non-empty window.
func (s *state) oldest() time.Time {
	return secondsToTime(s.Timestamps[0])
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToTime(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// loadStateFile reads the provider state; a missing file yields zero state.
// A corrupt file is treated as zero state: losing counters is recoverable,
// refusing all traffic is not.
func loadStateFile(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &state{}, nil
		}
		return nil, fmt.Errorf("reading quota state %s: %w", path, err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return &state{}, nil
	}
	return &st, nil
}

// saveStateFile atomically writes the provider state (temp file + rename).
func saveStateFile(path string, st *state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding quota state: %w", err)
	}

	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}
