package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mlx/pkg/api"
)

// Client talks to the coordinator's control API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL. An empty token sends no
// Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Add("Authorization", "Bearer "+c.Token)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Submit sends POST /jobs.
func (c *Client) Submit(req api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	var resp api.SubmitJobResponse
	if err := c.do(http.MethodPost, "/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob sends GET /jobs/{id}.
func (c *Client) GetJob(id string) (*api.JobStatus, error) {
	var resp api.JobStatus
	if err := c.do(http.MethodGet, "/jobs/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs sends GET /jobs.
func (c *Client) ListJobs() (*api.ListJobsResponse, error) {
	var resp api.ListJobsResponse
	if err := c.do(http.MethodGet, "/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel sends DELETE /jobs/{id}.
func (c *Client) Cancel(id string) error {
	return c.do(http.MethodDelete, "/jobs/"+id, nil, nil)
}

// RegisterNode sends POST /nodes.
func (c *Client) RegisterNode(req api.RegisterNodeRequest) error {
	return c.do(http.MethodPost, "/nodes", req, nil)
}

// ListNodes sends GET /nodes.
func (c *Client) ListNodes() (*api.ListNodesResponse, error) {
	var resp api.ListNodesResponse
	if err := c.do(http.MethodGet, "/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// stream opens a long-lived GET and returns the body. The caller closes it.
func (c *Client) stream(path string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Add("Authorization", "Bearer "+c.Token)
	}

	// Streams have no deadline; the server ends them when the job does.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return resp.Body, nil
}

// WatchEvents follows the job's status stream, invoking fn per event until
// the job reaches a terminal state. It returns the final status.
func (c *Client) WatchEvents(id string, fn func(api.JobStatus)) (*api.JobStatus, error) {
	body, err := c.stream("/jobs/" + id + "/events")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var last *api.JobStatus
	dec := json.NewDecoder(body)
	for {
		var ev api.JobStatus
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return last, nil
			}
			return last, fmt.Errorf("event stream broken: %w", err)
		}
		fn(ev)
		last = &ev
	}
}

// StreamLogs copies the job's log stream to w line by line.
func (c *Client) StreamLogs(id string, w io.Writer) error {
	body, err := c.stream("/jobs/" + id + "/logs")
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	return scanner.Err()
}
