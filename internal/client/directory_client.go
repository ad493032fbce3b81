package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/atlasops/be-pm-approvals/internal/platform/httpclient"
	"github.com/atlasops/be-pm-approvals/internal/repository"
)

// DirectoryClient resolves approver roles against the identity service.
// It implements service.Directory.
type DirectoryClient struct {
	client *httpclient.Client
}

// NewDirectoryClient creates a client for the identity service.
func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{client: httpclient.NewClient(baseURL)}
}

type directoryUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type usersWithRoleResponse struct {
	Users []directoryUser `json:"users"`
}

// UsersWithRole returns the identities holding the given role.
func (c *DirectoryClient) UsersWithRole(ctx context.Context, role string) ([]repository.Approver, error) {
	path := fmt.Sprintf("/api/v1/identity/users?role=%s", url.QueryEscape(role))

	var resp usersWithRoleResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to look up users for role %q: %w", role, err)
	}

	approvers := make([]repository.Approver, 0, len(resp.Users))
	for _, u := range resp.Users {
		approvers = append(approvers, repository.Approver{ID: u.ID, Name: u.DisplayName})
	}
	return approvers, nil
}
