package labchain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// RegisterResource registers a new resource with the ledger registry.
func (c *Client) RegisterResource(ctx context.Context, r domain.Resource) error {
	body := map[string]string{
		"resourceID":   r.ResourceID,
		"resourceType": r.ResourceType,
	}
	if _, err := c.do(ctx, http.MethodPost, "/registry/resource", nil, body, true); err != nil {
		return fmt.Errorf("labchain: register resource %s: %w", r.ResourceID, err)
	}
	return nil
}

// ListResources returns the full registry snapshot.
func (c *Client) ListResources(ctx context.Context) ([]domain.Resource, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/registry/resource", nil, nil, true)
	if err != nil {
		return nil, fmt.Errorf("labchain: list resources: %w", err)
	}

	var resp struct {
		Resources []APIResource `json:"resources"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("labchain: decode resources: %w", err)
	}

	out := make([]domain.Resource, 0, len(resp.Resources))
	for _, r := range resp.Resources {
		out = append(out, r.ToDomain())
	}
	return out, nil
}
