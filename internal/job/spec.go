package job

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec is wrapped by every SpecError. A spec that fails validation
// is never retried; the user must correct it.
var ErrInvalidSpec = errors.New("invalid job spec")

// SpecError points at the spec field that failed validation.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid job spec: %s: %s", e.Field, e.Reason)
}

func (e *SpecError) Unwrap() error { return ErrInvalidSpec }

// Resources is a job's resource request. CPU is in millicores.
type Resources struct {
	CPUMillis int `json:"cpu_millis" yaml:"cpu_millis"`
	MemoryMB  int `json:"memory_mb" yaml:"memory_mb"`
	GPUs      int `json:"gpus" yaml:"gpus"`
}

// Fits reports whether r fits within the capacity c.
func (r Resources) Fits(c Resources) bool {
	return r.CPUMillis <= c.CPUMillis && r.MemoryMB <= c.MemoryMB && r.GPUs <= c.GPUs
}

// Limits are the configured per-job resource ceilings.
type Limits struct {
	MaxCPUMillis int
	MaxMemoryMB  int
	MaxGPUs      int
}

// Source describes where the job's code comes from: a git reference or a
// local path. Both empty means the image already contains the code.
type Source struct {
	GitURL    string `json:"git_url,omitempty" yaml:"git_url,omitempty"`
	GitRef    string `json:"git_ref,omitempty" yaml:"git_ref,omitempty"`
	LocalPath string `json:"local_path,omitempty" yaml:"local_path,omitempty"`
}

// Empty reports whether no code source was given.
func (s Source) Empty() bool {
	return s.GitURL == "" && s.LocalPath == ""
}

// Spec is the user-supplied job specification. It round-trips through YAML
// (mlx submit -f job.yaml) and JSON (wire format and persistence).
type Spec struct {
	Kind         Kind              `json:"kind" yaml:"kind"`
	Name         string            `json:"name" yaml:"name"`
	Image        string            `json:"image" yaml:"image"`
	Command      []string          `json:"command" yaml:"command"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Resources    Resources         `json:"resources" yaml:"resources"`
	NodeSelector string            `json:"node_selector,omitempty" yaml:"node_selector,omitempty"`
	Source       Source            `json:"source,omitempty" yaml:"source,omitempty"`

	// Port is the exposed service port. Required for serve jobs.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
}

// Validate checks the spec against kind-specific rules and the configured
// resource ceilings.
func (s Spec) Validate(limits Limits) error {
	switch s.Kind {
	case KindTrain, KindData, KindServe:
	case "":
		return &SpecError{Field: "kind", Reason: "required"}
	default:
		return &SpecError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}

	if s.Name == "" {
		return &SpecError{Field: "name", Reason: "required"}
	}
	if len(s.Command) == 0 {
		return &SpecError{Field: "command", Reason: "entrypoint must not be empty"}
	}
	if s.Image == "" && s.Source.Empty() {
		return &SpecError{Field: "image", Reason: "either an image or a code source is required"}
	}
	if s.Source.GitURL != "" && s.Source.LocalPath != "" {
		return &SpecError{Field: "source", Reason: "git_url and local_path are mutually exclusive"}
	}

	if s.Resources.CPUMillis < 0 || s.Resources.MemoryMB < 0 || s.Resources.GPUs < 0 {
		return &SpecError{Field: "resources", Reason: "requests must not be negative"}
	}
	ceiling := Resources{CPUMillis: limits.MaxCPUMillis, MemoryMB: limits.MaxMemoryMB, GPUs: limits.MaxGPUs}
	if !s.Resources.Fits(ceiling) {
		return &SpecError{
			Field:  "resources",
			Reason: fmt.Sprintf("request exceeds ceiling (cpu %dm/%dm, mem %dMB/%dMB, gpu %d/%d)", s.Resources.CPUMillis, limits.MaxCPUMillis, s.Resources.MemoryMB, limits.MaxMemoryMB, s.Resources.GPUs, limits.MaxGPUs),
		}
	}

	if s.Kind == KindServe && s.Port <= 0 {
		return &SpecError{Field: "port", Reason: "serve jobs must expose a port"}
	}
	return nil
}
