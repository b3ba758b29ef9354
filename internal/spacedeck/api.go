package spacedeck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type Space struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	EditHash string `json:"edit_hash"`
	EditSlug string `json:"edit_slug"`
	// Raw is the space exactly as returned upstream.
	Raw json.RawMessage `json:"-"`
}

type Artifact struct {
	ID  string
	Raw json.RawMessage
}

func (c *Client) ListSpaces(ctx context.Context) ([]Space, error) {
	body, err := c.Request(ctx, http.MethodGet, "spaces", nil)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode spaces: %w", err)
	}
	spaces := make([]Space, 0, len(raws))
	for _, raw := range raws {
		space, err := decodeSpace(raw)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, *space)
	}
	return spaces, nil
}

func (c *Client) GetSpace(ctx context.Context, spaceID string) (*Space, error) {
	body, err := c.Request(ctx, http.MethodGet, "spaces/"+url.PathEscape(spaceID), nil)
	if err != nil {
		return nil, err
	}
	return decodeSpace(body)
}

// CreateSpace creates a space whose name and edit slug are both name.
func (c *Client) CreateSpace(ctx context.Context, name string) (*Space, error) {
	body, err := c.Request(ctx, http.MethodPost, "spaces", map[string]any{
		"name":      name,
		"edit_slug": name,
	})
	if err != nil {
		return nil, err
	}
	return decodeSpace(body)
}

func (c *Client) DeleteSpace(ctx context.Context, spaceID string) error {
	_, err := c.Request(ctx, http.MethodDelete, "spaces/"+url.PathEscape(spaceID), nil)
	return err
}

func (c *Client) ListArtifacts(ctx context.Context, spaceID string) ([]Artifact, error) {
	body, err := c.Request(ctx, http.MethodGet, "spaces/"+url.PathEscape(spaceID)+"/artifacts", nil)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	artifacts := make([]Artifact, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		artifacts = append(artifacts, Artifact{ID: head.ID, Raw: raw})
	}
	return artifacts, nil
}

func (c *Client) CreateArtifact(ctx context.Context, spaceID string, artifact map[string]any) error {
	_, err := c.Request(ctx, http.MethodPost, "spaces/"+url.PathEscape(spaceID)+"/artifacts", artifact)
	return err
}

func decodeSpace(raw []byte) (*Space, error) {
	var space Space
	if err := json.Unmarshal(raw, &space); err != nil {
		return nil, fmt.Errorf("decode space: %w", err)
	}
	space.Raw = append(json.RawMessage(nil), raw...)
	return &space, nil
}
