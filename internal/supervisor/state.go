package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

// Record is the persisted bookkeeping for one spawned service.
type Record struct {
	PID         int    `json:"pid"`
	Port        int    `json:"port"`
	StartedAt   string `json:"startedAt"` // unix seconds
	ServicePath string `json:"servicePath"`
}

// Started parses StartedAt. A malformed value yields the zero time.
func (r Record) Started() time.Time {
	sec, err := strconv.ParseInt(r.StartedAt, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Uptime is the time elapsed since the record was created.
func (r Record) Uptime(now time.Time) time.Duration {
	t := r.Started()
	if t.IsZero() {
		return 0
	}
	return now.Sub(t).Truncate(time.Second)
}

// readState returns the persisted map. A missing or unparseable file is an
// empty map; only other read failures are errors.
func readState(path string) (map[string]Record, bool, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, true, nil
		}
		return nil, false, &errdefs.IOError{Op: "read state", Path: path, Err: err}
	}
	recs := map[string]Record{}
	if err := json.Unmarshal(b, &recs); err != nil || recs == nil {
		return map[string]Record{}, false, nil
	}
	return recs, true, nil
}

// writeState replaces path with a full snapshot of recs. The new content is
// written next to the target and renamed over it so readers never observe a
// truncated file.
func writeState(path string, recs map[string]Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &errdefs.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return &errdefs.IOError{Op: "write state", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &errdefs.IOError{Op: "write state", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &errdefs.IOError{Op: "write state", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &errdefs.IOError{Op: "write state", Path: path, Err: err}
	}
	return nil
}

func sortedKeys(m map[string]Record) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
