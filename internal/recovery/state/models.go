package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the role of the process that wrote a run record.
type Mode string

const (
	ModeClient Mode = "client"
	ModeWorker Mode = "worker"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persistent metadata of one factorization.
//
// Schema: run_id, graph_hash, matrix_digest, start_time, end_time (nullable),
// mode, deployment_tag, status.
type Run struct {
	RunID         string     `json:"run_id"`
	GraphHash     string     `json:"graph_hash"`
	MatrixDigest  string     `json:"matrix_digest"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Mode          Mode       `json:"mode"`
	DeploymentTag string     `json:"deployment_tag"`
	Status        RunStatus  `json:"status"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time is before start_time"))
	}
	switch r.Mode {
	case ModeClient, ModeWorker:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// Outcome summarizes a finished run.
//
// Schema: completed, failed, cancelled, retries, factor_tiles (array, never
// null), max_abs_residual and relative_residual (nullable).
type Outcome struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	// Retries counts attempts beyond the first, summed over tasks.
	Retries int `json:"retries"`
	// FactorTiles lists the cache keys of the final L tiles.
	FactorTiles      []string `json:"factor_tiles"`
	MaxAbsResidual   *float64 `json:"max_abs_residual"`
	RelativeResidual *float64 `json:"relative_residual"`
}

func (o Outcome) Validate() error {
	var errs []error
	if o.Completed < 0 || o.Failed < 0 || o.Cancelled < 0 || o.Retries < 0 {
		errs = append(errs, errors.New("counts must be >= 0"))
	}
	if o.FactorTiles == nil {
		errs = append(errs, errors.New("factor_tiles must be an array (not null)"))
	}
	for i, k := range o.FactorTiles {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("factor_tiles[%d] must not be empty", i))
		}
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassGraph     FailureClass = "graph"
	FailureClassCache     FailureClass = "cache"
	FailureClassExecution FailureClass = "execution"
	FailureClassSystem    FailureClass = "system"
)

// Failure is the recorded reason a run did not succeed.
//
// Schema: failure_class, task_id, kernel and tile (optional), error_code,
// error_message, retryable.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	TaskID       *string      `json:"task_id,omitempty"`
	Kernel       string       `json:"kernel,omitempty"`
	Tile         string       `json:"tile,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Retryable    bool         `json:"retryable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassGraph, FailureClassCache, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.TaskID != nil && strings.TrimSpace(*f.TaskID) == "" {
		errs = append(errs, errors.New("task_id must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
