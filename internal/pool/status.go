package pool

import (
	"sort"

	"github.com/jaywantadh/offsite/internal/state"
)

// Status of one unit in the status table.
type Status string

const (
	NotStarted Status = "not started"
	InProgress Status = "in progress"
	Complete   Status = "complete"
	Error      Status = "error"
)

// Verdict is the outcome of a whole pool run.
type Verdict int

const (
	// Indeterminate means the pool stopped without the manager deciding,
	// e.g. the process was interrupted.
	Indeterminate Verdict = iota
	Success
	Failure
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "indeterminate"
	}
}

// Evaluation is what the manager should do after a table update.
type Evaluation int

const (
	KeepGoing Evaluation = iota
	AllComplete
	RetriesExceeded
)

type entry struct {
	name    string
	status  Status
	retries int
}

// StatusTable tracks every primed unit. It is owned by a single manager
// goroutine and is not safe for concurrent use.
type StatusTable struct {
	entries map[string]*entry
}

func NewStatusTable() *StatusTable {
	return &StatusTable{entries: make(map[string]*entry)}
}

// Seed adds units as not started. Existing keys are left alone.
func (t *StatusTable) Seed(units ...Unit) {
	for _, u := range units {
		if _, ok := t.entries[u.Key]; ok {
			continue
		}
		t.entries[u.Key] = &entry{name: u.Name, status: NotStarted}
	}
}

// Apply folds a worker report into the table. It returns false for keys that
// were never seeded. A complete unit never changes again; an error report
// bumps the retry count.
func (t *StatusTable) Apply(r Report) bool {
	e, ok := t.entries[r.Key]
	if !ok {
		return false
	}
	if e.status == Complete {
		return true
	}
	e.status = r.Status
	if r.Status == Error {
		e.retries++
	}
	return true
}

// Get returns the status and retry count of key.
func (t *StatusTable) Get(key string) (Status, int, bool) {
	e, ok := t.entries[key]
	if !ok {
		return "", 0, false
	}
	return e.status, e.retries, true
}

func (t *StatusTable) Len() int {
	return len(t.entries)
}

// Evaluate reports whether the run is finished. Any unit whose retries exceed
// ceiling fails the run, checked after completeness.
func (t *StatusTable) Evaluate(ceiling int) Evaluation {
	complete := true
	exceeded := false
	for _, e := range t.entries {
		if e.status != Complete {
			complete = false
		}
		if e.retries > ceiling {
			exceeded = true
		}
	}
	switch {
	case complete:
		return AllComplete
	case exceeded:
		return RetriesExceeded
	default:
		return KeepGoing
	}
}

// Snapshot copies the table into the run journal format.
func (t *StatusTable) Snapshot() map[string]state.ItemStatus {
	out := make(map[string]state.ItemStatus, len(t.entries))
	for k, e := range t.entries {
		out[k] = state.ItemStatus{Status: string(e.status), Retries: e.retries}
	}
	return out
}

// Keys returns the seeded keys in sorted order.
func (t *StatusTable) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
