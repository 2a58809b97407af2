// Package job defines the job model: the typed unit of work submitted to the
// platform and the state machine that governs its lifecycle.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies what a job does.
type Kind string

const (
	KindTrain Kind = "train"
	KindData  Kind = "data"
	KindServe Kind = "serve"
)

// State is a job's lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StatePlaced      State = "placed"
	StateDispatching State = "dispatching"
	StateRunning     State = "running"
	StateCancelling  State = "cancelling"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Event drives a state transition.
type Event string

const (
	EventPlace         Event = "place"
	EventDispatch      Event = "dispatch"
	EventRun           Event = "run"
	EventSucceed       Event = "succeed"
	EventFail          Event = "fail"
	EventRetry         Event = "retry"
	EventCancelRequest Event = "cancel_request"
	EventCancel        Event = "cancel"
)

// ErrIllegalTransition indicates an event that is not valid from the job's
// current state. It is a protocol error: the lease mechanism should prevent
// two workers from racing a job into this.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrRetriesExhausted indicates a retry was requested past the job's budget.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Backend identifies a container backend kind.
type Backend string

const (
	BackendPodman     Backend = "podman"
	BackendKubernetes Backend = "kubernetes"
)

// ContainerRef points at the container a job is (or was) running in.
type ContainerRef struct {
	Backend Backend `json:"backend" yaml:"backend"`
	ID      string  `json:"id" yaml:"id"`
}

// Cause is the structured last error attached to a failed job.
type Cause struct {
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

func (c *Cause) Error() string {
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

// Job is a submitted unit of work and its observed lifecycle state.
// The UUID is immutable; transitions are monotonic except for explicit
// retry, which returns a failed job to pending.
type Job struct {
	ID         uuid.UUID `json:"id" yaml:"id"`
	Kind       Kind      `json:"kind" yaml:"kind"`
	Spec       Spec      `json:"spec" yaml:"spec"`
	State      State     `json:"state" yaml:"state"`
	Attempt    int       `json:"attempt" yaml:"attempt"`
	MaxRetries int       `json:"max_retries" yaml:"max_retries"`

	// NodeName is set at placement; Container once dispatch succeeds.
	NodeName  string        `json:"node_name,omitempty" yaml:"node_name,omitempty"`
	Container *ContainerRef `json:"container,omitempty" yaml:"container,omitempty"`

	CancelRequested bool   `json:"cancel_requested,omitempty" yaml:"cancel_requested,omitempty"`
	LastError       *Cause `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	TransitionedAt time.Time `json:"transitioned_at" yaml:"transitioned_at"`
}

// New validates spec and returns a pending job.
func New(spec Spec, maxRetries int, limits Limits) (*Job, error) {
	if err := spec.Validate(limits); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		return nil, &SpecError{Field: "max_retries", Reason: "must be >= 0"}
	}
	now := time.Now().UTC()
	return &Job{
		ID:             uuid.New(),
		Kind:           spec.Kind,
		Spec:           spec,
		State:          StatePending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		TransitionedAt: now,
	}, nil
}

// transitions maps state -> events valid from it -> resulting state.
var transitions = map[State]map[Event]State{
	StatePending: {
		EventPlace:  StatePlaced,
		EventFail:   StateFailed,
		EventCancel: StateCancelled,
	},
	StatePlaced: {
		EventDispatch: StateDispatching,
		EventFail:     StateFailed,
	},
	StateDispatching: {
		EventRun:  StateRunning,
		EventFail: StateFailed,
	},
	StateRunning: {
		EventSucceed:       StateSucceeded,
		EventFail:          StateFailed,
		EventCancelRequest: StateCancelling,
	},
	StateCancelling: {
		EventCancel: StateCancelled,
	},
	StateFailed: {
		EventRetry: StatePending,
	},
}

// Apply transitions the job by ev, stamping TransitionedAt.
// EventRetry is additionally gated by the retry budget.
func (j *Job) Apply(ev Event) error {
	next, ok := transitions[j.State][ev]
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, ev, j.State)
	}
	if ev == EventRetry && !j.CanRetry() {
		return fmt.Errorf("%w: attempt %d, max retries %d", ErrRetriesExhausted, j.Attempt, j.MaxRetries)
	}
	j.State = next
	j.TransitionedAt = time.Now().UTC()
	return nil
}

// CanRetry reports whether a failed attempt may be re-queued.
// Attempt is incremented when a worker claims the job, so after the first
// failure Attempt is 1 and a job with MaxRetries=0 is already exhausted.
func (j *Job) CanRetry() bool {
	return j.Attempt <= j.MaxRetries
}

// Fail records cause and transitions to failed.
func (j *Job) Fail(cause *Cause) error {
	if err := j.Apply(EventFail); err != nil {
		return err
	}
	j.LastError = cause
	return nil
}
