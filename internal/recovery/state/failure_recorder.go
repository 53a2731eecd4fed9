package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes run records through a Store.
type Recorder struct {
	Store *Store
	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a random run identifier.
func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

// StartRun persists run with status running. RunID and StartTime are filled
// in when empty; the stored record is returned.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun marks a run succeeded or failed and stores its outcome.
func (r *Recorder) FinishRun(runID string, status RunStatus, outcome Outcome) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if status != RunStatusSucceeded && status != RunStatusFailed {
		return fmt.Errorf("cannot finish run with status %q", status)
	}
	run, err := r.Store.LoadRun(runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	if outcome.FactorTiles == nil {
		outcome.FactorTiles = []string{}
	}
	if err := r.Store.SaveOutcome(runID, outcome); err != nil {
		return err
	}
	return r.Store.SaveRun(run)
}

// RecordFailure classifies err and stores it as the run's failure.
func (r *Recorder) RecordFailure(runID string, err error) (Failure, error) {
	if r == nil || r.Store == nil {
		return Failure{}, errors.New("Store is required")
	}
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return Failure{}, ferr
	}
	return f, r.Store.SaveFailure(runID, f)
}

// LastSucceeded returns the most recently finished successful run of the same
// graph over the same matrix, with its outcome. Unreadable run records are
// skipped.
func (r *Recorder) LastSucceeded(graphHash, matrixDigest string) (Run, Outcome, bool, error) {
	if r == nil || r.Store == nil {
		return Run{}, Outcome{}, false, errors.New("Store is required")
	}
	ids, err := r.Store.ListRunIDs()
	if err != nil {
		return Run{}, Outcome{}, false, err
	}
	var best Run
	found := false
	for _, id := range ids {
		run, err := r.Store.LoadRun(id)
		if err != nil || run.Status != RunStatusSucceeded || run.EndTime == nil {
			continue
		}
		if run.GraphHash != graphHash || run.MatrixDigest != matrixDigest {
			continue
		}
		// ids are sorted, so ties on EndTime keep the smaller id.
		if !found || run.EndTime.After(*best.EndTime) {
			best, found = run, true
		}
	}
	if !found {
		return Run{}, Outcome{}, false, nil
	}
	outcome, err := r.Store.LoadOutcome(best.RunID)
	if err != nil {
		return Run{}, Outcome{}, false, err
	}
	return best, outcome, true, nil
}
