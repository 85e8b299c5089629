package backend

import (
	"context"
	"net/http"
	"net/url"

	"pkt.systems/chaosdeck/schema"
)

func credentialHeaders(creds schema.Credentials) http.Header {
	headers := http.Header{}
	if creds.APIKey != "" {
		headers.Set("x-api-key", creds.APIKey)
	}
	if creds.Model != "" {
		headers.Set("x-model", string(creds.Model))
	}
	return headers
}

func jobPath(id schema.JobID, suffix string) string {
	p := "/jobs/" + url.PathEscape(string(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// CreateJob starts a new chaos cycle.
func (c *Client) CreateJob(ctx context.Context, req schema.CreateJobRequest, creds schema.Credentials) (schema.CreateJobResponse, error) {
	var out schema.CreateJobResponse
	err := c.call(ctx, request{method: http.MethodPost, path: "/jobs", headers: credentialHeaders(creds), body: req}, &out)
	return out, err
}

// GetJob reports the backend status of a job.
func (c *Client) GetJob(ctx context.Context, id schema.JobID) (schema.JobInfo, error) {
	var out schema.JobInfo
	err := c.call(ctx, request{method: http.MethodGet, path: jobPath(id, "")}, &out)
	return out, err
}

// PauseJob pauses a running job.
func (c *Client) PauseJob(ctx context.Context, id schema.JobID) (schema.PauseJobResponse, error) {
	var out schema.PauseJobResponse
	err := c.call(ctx, request{method: http.MethodPost, path: jobPath(id, "pause")}, &out)
	return out, err
}

// ResumeJob resumes a paused job with optional operator feedback.
func (c *Client) ResumeJob(ctx context.Context, id schema.JobID, feedback string, creds schema.Credentials) (schema.ResumeJobResponse, error) {
	var out schema.ResumeJobResponse
	err := c.call(ctx, request{
		method:  http.MethodPost,
		path:    jobPath(id, "resume"),
		headers: credentialHeaders(schema.Credentials{APIKey: creds.APIKey}),
		body:    schema.ResumeJobRequest{Feedback: feedback},
	}, &out)
	return out, err
}

// CancelJob deletes a job, stopping it when running.
func (c *Client) CancelJob(ctx context.Context, id schema.JobID) error {
	return c.call(ctx, request{method: http.MethodDelete, path: jobPath(id, "")}, nil)
}

// PurgeJob removes a job and, optionally, its files on disk.
func (c *Client) PurgeJob(ctx context.Context, id schema.JobID, deleteFiles bool) (schema.PurgeJobResponse, error) {
	query := url.Values{}
	if deleteFiles {
		query.Set("delete_files", "true")
	}
	var out schema.PurgeJobResponse
	err := c.call(ctx, request{method: http.MethodDelete, path: jobPath(id, "purge"), query: query}, &out)
	return out, err
}

// RestoreJob rehydrates a job from disk by work dir, or by job id when the work dir is unknown.
func (c *Client) RestoreJob(ctx context.Context, ref schema.JobRef) (schema.RestoreJobResponse, error) {
	var out schema.RestoreJobResponse
	req := request{method: http.MethodPost}
	switch {
	case ref.WorkDir != "":
		req.path = "/jobs/restore"
		req.body = schema.RestoreJobRequest{WorkDir: ref.WorkDir}
	case ref.JobID != "":
		req.path = jobPath(ref.JobID, "restore")
		req.body = struct{}{}
	default:
		return out, schema.ErrInvalidRequest
	}
	err := c.call(ctx, req, &out)
	return out, err
}

// SubmitApproval answers an approval gate.
func (c *Client) SubmitApproval(ctx context.Context, id schema.JobID, resp schema.ApprovalResponse) error {
	return c.call(ctx, request{method: http.MethodPost, path: jobPath(id, "approval"), body: resp}, nil)
}
