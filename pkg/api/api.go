// Package api defines the wire types of the coordinator's control API.
// It is self-contained so external clients can import it.
package api

// Resources is a resource request or capacity, CPU in millicores.
type Resources struct {
	CPUMillis int `json:"cpu_millis" yaml:"cpu_millis"`
	MemoryMB  int `json:"memory_mb" yaml:"memory_mb"`
	GPUs      int `json:"gpus" yaml:"gpus"`
}

// Source names where a job's code comes from.
type Source struct {
	GitURL    string `json:"git_url,omitempty" yaml:"git_url,omitempty"`
	GitRef    string `json:"git_ref,omitempty" yaml:"git_ref,omitempty"`
	LocalPath string `json:"local_path,omitempty" yaml:"local_path,omitempty"`
}

// JobSpec is the user-supplied job specification. It is the YAML document
// accepted by `mlx submit -f` and the JSON body of POST /jobs.
type JobSpec struct {
	Kind         string            `json:"kind" yaml:"kind"`
	Name         string            `json:"name" yaml:"name"`
	Image        string            `json:"image,omitempty" yaml:"image,omitempty"`
	Command      []string          `json:"command" yaml:"command"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Resources    Resources         `json:"resources" yaml:"resources"`
	NodeSelector string            `json:"node_selector,omitempty" yaml:"node_selector,omitempty"`
	Source       Source            `json:"source,omitempty" yaml:"source,omitempty"`
	Port         int               `json:"port,omitempty" yaml:"port,omitempty"`
}

// SubmitJobRequest is the body of POST /jobs.
type SubmitJobRequest struct {
	Spec       JobSpec `json:"spec" yaml:"spec"`
	MaxRetries int     `json:"max_retries" yaml:"max_retries"`
}

// SubmitJobResponse acknowledges a submission.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// ContainerRef identifies a job's container on its backend.
type ContainerRef struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

// JobError is the structured last error of a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobStatus is one job's observed state. It is both the body of
// GET /jobs/{id} and each event on the GET /jobs/{id}/events stream.
type JobStatus struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Name      string        `json:"name,omitempty"`
	State     string        `json:"state"`
	Attempt   int           `json:"attempt"`
	Node      string        `json:"node,omitempty"`
	Container *ContainerRef `json:"container,omitempty"`
	Error     *JobError     `json:"error,omitempty"`
	CreatedAt string        `json:"created_at,omitempty"`
}

// ListJobsResponse is the body of GET /jobs.
type ListJobsResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// RegisterNodeRequest is the body of POST /nodes.
type RegisterNodeRequest struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Backend       string    `json:"backend"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	Capacity      Resources `json:"capacity"`
}

// NodeStatus is one registry entry in GET /nodes.
type NodeStatus struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Backend       string    `json:"backend"`
	Capacity      Resources `json:"capacity"`
	LastHeartbeat string    `json:"last_heartbeat,omitempty"`
	Unreachable   bool      `json:"unreachable"`
}

// ListNodesResponse is the body of GET /nodes.
type ListNodesResponse struct {
	Nodes []NodeStatus `json:"nodes"`
}

// ErrorResponse is the canonical error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
