package install

import (
	"encoding/json"
	"errors"
	"time"
)

// Advisory is a best-effort step that failed without aborting the run.
type Advisory struct {
	Step string
	Err  error
}

type advisoryJSON struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

func (a Advisory) MarshalJSON() ([]byte, error) {
	msg := ""
	if a.Err != nil {
		msg = a.Err.Error()
	}
	return json.Marshal(advisoryJSON{a.Step, msg})
}

func (a *Advisory) UnmarshalJSON(b []byte) error {
	var v advisoryJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	a.Step = v.Step
	if v.Error != "" {
		a.Err = errors.New(v.Error)
	}
	return nil
}

// Report summarises a successful run.
type Report struct {
	RunID       string
	Pool        string
	Environment string
	Disks       []string
	Upgrade     bool
	Advisories  []Advisory
	Duration    time.Duration
	JournalPath string
}
