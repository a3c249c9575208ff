// Package model holds the validated data shapes that flow between the task
// queue, the run pipeline, and the result queue.
package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Language is the set of runtime languages a Program may declare. Only
// PYTHON is implemented; the type exists so the wire format can grow.
type Language string

const (
	LanguagePython Language = "PYTHON"
)

// Status is the job-observable verdict for one program's execution.
type Status string

const (
	StatusOK  Status = "OK"
	StatusMLE Status = "MLE"
	StatusTLE Status = "TLE"
	StatusRTE Status = "RTE"
	// StatusWA is reserved for a grading layer outside this runner; the core
	// never produces it.
	StatusWA Status = "WA"
)

// StatusFromExitCode applies the exit-code contract from spec §6/§4.C9.
func StatusFromExitCode(code int) Status {
	switch code {
	case 137:
		return StatusMLE
	case 124:
		return StatusTLE
	case 1:
		return StatusRTE
	default:
		return StatusOK
	}
}

// File is one entry of a Program's filesystem tree.
type File struct {
	Path     string `json:"name"`
	Content  string `json:"content"`
	IsBinary bool   `json:"is_binary,omitempty"`
}

// Decoded returns the effective bytes to stage for this file: base64-decoded
// if IsBinary, otherwise the content's raw UTF-8 bytes untouched.
func (f File) Decoded() ([]byte, error) {
	if !f.IsBinary {
		return []byte(f.Content), nil
	}
	return base64.StdEncoding.DecodeString(f.Content)
}

// ValidFilename reports whether name is safe to stage: no path separators,
// no NUL bytes, and not a reserved relative-path component.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return true
}

// ComputeContext describes the resource envelope and dispatch mode shared by
// every program in a Job.
type ComputeContext struct {
	Language      Language          `json:"language"`
	TimeLimitSecs float64           `json:"time_limit_secs"`
	MemoryLimitMB int               `json:"memory_limit_mb"`
	Slurm         bool              `json:"slurm,omitempty"`
	SlurmOptions  []string          `json:"slurm_options,omitempty"`
	SlurmSystemPy bool              `json:"slurm_use_system_py,omitempty"`
	ExtraOptions  map[string]string `json:"extra_options,omitempty"`
}

// Validate enforces the ComputeContext invariants from spec §3.
func (c ComputeContext) Validate() error {
	if c.TimeLimitSecs <= 0 {
		return fmt.Errorf("time_limit_secs must be positive, got %v", c.TimeLimitSecs)
	}
	if c.MemoryLimitMB <= 0 {
		return fmt.Errorf("memory_limit_mb must be positive, got %v", c.MemoryLimitMB)
	}
	return nil
}

// Program is a self-contained filesystem tree plus an entrypoint file name,
// with opaque tracking fields preserved for passthrough onto ProgramResult.
type Program struct {
	Entrypoint string            `json:"entrypoint"`
	Files      []File            `json:"files"`
	Extra      map[string]json.RawMessage `json:"-"`
}

// Validate enforces the Program invariant: entrypoint must name a file.
func (p Program) Validate() error {
	if !ValidFilename(p.Entrypoint) {
		return fmt.Errorf("entrypoint %q is not a safe filename", p.Entrypoint)
	}
	found := false
	seen := map[string]bool{}
	for _, f := range p.Files {
		if !ValidFilename(f.Path) {
			return fmt.Errorf("file %q is not a safe filename", f.Path)
		}
		if seen[f.Path] {
			return fmt.Errorf("duplicate file path %q", f.Path)
		}
		seen[f.Path] = true
		if f.Path == p.Entrypoint {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("entrypoint %q not found in program files", p.Entrypoint)
	}
	return nil
}

// UnmarshalJSON decodes the known Program fields and captures every other
// top-level JSON key into Extra for later passthrough onto ProgramResult.
func (p *Program) UnmarshalJSON(data []byte) error {
	type known Program
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "entrypoint")
	delete(raw, "files")
	*p = Program(k)
	p.Extra = raw
	return nil
}

// MarshalJSON re-emits the known fields plus every captured Extra key.
func (p Program) MarshalJSON() ([]byte, error) {
	return mergeExtra(struct {
		Entrypoint string `json:"entrypoint"`
		Files      []File `json:"files"`
	}{p.Entrypoint, p.Files}, p.Extra)
}

// Job is one unit of work delivered by the broker.
type Job struct {
	Context  ComputeContext             `json:"context"`
	Programs []Program                  `json:"programs"`
	Extra    map[string]json.RawMessage `json:"-"`
}

func (j *Job) UnmarshalJSON(data []byte) error {
	type known Job
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "context")
	delete(raw, "programs")
	*j = Job(k)
	j.Extra = raw
	return nil
}

func (j Job) MarshalJSON() ([]byte, error) {
	return mergeExtra(struct {
		Context  ComputeContext `json:"context"`
		Programs []Program      `json:"programs"`
	}{j.Context, j.Programs}, j.Extra)
}

// ExecutorResult is the internal, pre-classification result of one child
// process launch.
type ExecutorResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	PerfNS   *ExecutorPerf
}

// ExecutorPerf carries the optional nanosecond timings an executor may
// record for a single run (venv creation, dependency install, program).
type ExecutorPerf struct {
	CreateVenvNS int64
	InstallDepsNS int64
	ProgramNS    int64
}

// ProgramResult is the outcome of running one Program.
type ProgramResult struct {
	Status        Status                     `json:"status"`
	Stdout        string                     `json:"stdout"`
	Stderr        string                     `json:"stderr"`
	ElapsedTimeNS *int64                     `json:"elapsed_time_ns,omitempty"`
	Extra         map[string]json.RawMessage `json:"-"`
}

func (r ProgramResult) MarshalJSON() ([]byte, error) {
	return mergeExtra(struct {
		Status        Status `json:"status"`
		Stdout        string `json:"stdout"`
		Stderr        string `json:"stderr"`
		ElapsedTimeNS *int64 `json:"elapsed_time_ns,omitempty"`
	}{r.Status, r.Stdout, r.Stderr, r.ElapsedTimeNS}, r.Extra)
}

// JobResult is the aggregate outcome published for one Job.
type JobResult struct {
	Success bool                       `json:"success"`
	Error   *string                    `json:"error"`
	Results []ProgramResult            `json:"results"`
	Extra   map[string]json.RawMessage `json:"-"`
}

func (r JobResult) MarshalJSON() ([]byte, error) {
	return mergeExtra(struct {
		Success bool            `json:"success"`
		Error   *string         `json:"error"`
		Results []ProgramResult `json:"results"`
	}{r.Success, r.Error, r.Results}, r.Extra)
}

// mergeExtra marshals known into a JSON object and splices in every key of
// extra that known does not already define, implementing the "re-emit
// unknown keys unchanged" half of tracking-field passthrough.
func mergeExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	knownBytes, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return knownBytes, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
