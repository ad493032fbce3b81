package client

import (
	"context"
	"fmt"

	"github.com/atlasops/be-pm-approvals/internal/platform/httpclient"
	"github.com/atlasops/be-pm-approvals/internal/repository"
)

// ProjectActionsClient applies approved changes to the projects
// service. It implements service.ActionExecutor.
type ProjectActionsClient struct {
	client *httpclient.Client
}

// NewProjectActionsClient creates a client for the projects service.
func NewProjectActionsClient(baseURL string) *ProjectActionsClient {
	return &ProjectActionsClient{client: httpclient.NewClient(baseURL)}
}

// ApplyChangeRequest is the payload sent to the projects service when
// an approved change is applied.
type ApplyChangeRequest struct {
	ProjectID  string                  `json:"project_id"`
	ChangeKind repository.ChangeKind   `json:"change_kind"`
	Before     *repository.ChangeValue `json:"before,omitempty"`
	After      *repository.ChangeValue `json:"after,omitempty"`
}

// Apply pushes the approved before/after payload to the projects service.
func (c *ProjectActionsClient) Apply(
	ctx context.Context,
	projectID string,
	kind repository.ChangeKind,
	before, after *repository.ChangeValue,
) error {
	req := ApplyChangeRequest{
		ProjectID:  projectID,
		ChangeKind: kind,
		Before:     before,
		After:      after,
	}

	if err := c.client.Post(ctx, "/api/v1/projects/apply-change", req, nil); err != nil {
		return fmt.Errorf("failed to apply %s to project %s: %w", kind, projectID, err)
	}
	return nil
}
