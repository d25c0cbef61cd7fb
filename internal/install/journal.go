package install

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/freenas/ix-installer/internal/fsatomic"
)

// JournalStep is one state the run entered.
type JournalStep struct {
	State    string    `json:"state"`
	Status   string    `json:"status"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Journal is the on-disk record of one run, rewritten atomically after every
// transition so a crashed install leaves a trail.
type Journal struct {
	RunID       string        `json:"runId"`
	Mode        string        `json:"mode"`
	Pool        string        `json:"pool"`
	Environment string        `json:"environment,omitempty"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished,omitempty"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Steps       []JournalStep `json:"steps"`
	Advisories  []Advisory    `json:"advisories,omitempty"`

	path string
	now  func() time.Time
}

func newJournal(dir, mode, pool string, now func() time.Time) *Journal {
	id := uuid.NewString()
	j := &Journal{RunID: id, Mode: mode, Pool: pool, Started: now(), now: now}
	if dir != "" {
		j.path = filepath.Join(dir, fmt.Sprintf("install-%s.json", id))
	}
	return j
}

// Path is where the journal is written, empty when disabled.
func (j *Journal) Path() string { return j.path }

func (j *Journal) enter(s State) {
	j.closeStep("done", nil)
	j.Steps = append(j.Steps, JournalStep{State: s.String(), Status: "running", Started: j.now()})
}

func (j *Journal) closeStep(status string, err error) {
	if n := len(j.Steps); n > 0 && j.Steps[n-1].Status == "running" {
		j.Steps[n-1].Status = status
		j.Steps[n-1].Finished = j.now()
		if err != nil {
			j.Steps[n-1].Error = err.Error()
		}
	}
}

func (j *Journal) finish(err error) {
	j.Finished = j.now()
	j.closeStep("done", nil)
	j.Result = "success"
	if err != nil {
		j.Result = "aborted"
		j.Error = err.Error()
	}
}

func (j *Journal) save(ctx context.Context) error {
	if j.path == "" {
		return nil
	}
	return fsatomic.SaveJSON(context.WithoutCancel(ctx), j.path, j, 0o600)
}
