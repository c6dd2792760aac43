package service

import (
	"context"

	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// ApproverResolver answers "who currently holds role R for project P in
// tenant T". Pure query; no caching, so a traversal that resolves the same
// role twice always sees the directory's current state.
type ApproverResolver struct {
	dir DirectoryClient
}

// NewApproverResolver creates a resolver backed by the org directory.
func NewApproverResolver(dir DirectoryClient) *ApproverResolver {
	return &ApproverResolver{dir: dir}
}

// Resolve returns the user id responsible for the role, or "" when nobody
// holds it. Project team members win over tenant-wide holders; within a
// listing the directory's stable ordering breaks ties (first member wins).
func (r *ApproverResolver) Resolve(ctx context.Context, tenantID, projectID string, role repository.Role) (string, error) {
	if projectID != "" {
		members, err := r.dir.ListMembers(ctx, tenantID, projectID, string(role))
		if err != nil {
			return "", err
		}
		if len(members) > 0 {
			return members[0].UserID, nil
		}
	}

	members, err := r.dir.ListMembers(ctx, tenantID, "", string(role))
	if err != nil {
		return "", err
	}
	if len(members) > 0 {
		return members[0].UserID, nil
	}
	return "", nil
}
