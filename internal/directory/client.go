// Package directory provides a read-only client for the organizational
// directory service that knows who holds which role where.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/config"
)

// Member is one directory entry. The directory returns members in a stable
// order (its own listing order), which approver resolution relies on for
// deterministic tie-breaks.
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

// HTTPClient talks to the org directory over its JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a directory client from configuration.
func NewHTTPClient(cfg config.OrgdirConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// ListMembers returns active members holding role within a tenant, scoped to a
// project when projectID is non-empty. Order is the directory's stable listing
// order.
func (c *HTTPClient) ListMembers(ctx context.Context, tenantID, projectID string, role string) ([]Member, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("role", role)
	if projectID != "" {
		q.Set("project_id", projectID)
	}

	endpoint := fmt.Sprintf("%s/api/v1/members?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to build directory request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "directory request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.CodeInternal, "directory returned status %d", resp.StatusCode)
	}

	var payload struct {
		Members []Member `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to decode directory response")
	}

	members := payload.Members[:0]
	for _, m := range payload.Members {
		if m.Active {
			members = append(members, m)
		}
	}
	return members, nil
}

// Healthy pings the directory. Used by the service health endpoint.
func (c *HTTPClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
