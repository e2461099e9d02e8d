// Package fetch retrieves authoritative VM state from the inventory
// service and normalizes it for re-injection into the pipeline.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vnresolve/vnr-reaper/internal/core"
	vnrotel "github.com/vnresolve/vnr-reaper/internal/otel"
)

// Client fetches resource state over the inventory HTTP API.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a fetcher for the given inventory base URL. The
// caller bounds each fetch with a context; the embedded client carries
// no timeout of its own.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{},
	}
}

// inventoryVM is the wire shape returned by the inventory service.
type inventoryVM struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Addresses []string `json:"addresses"`
	Tenant    string   `json:"tenant_id"`
}

// Fetch retrieves full state for one resource and tags it as
// reaper-sourced so downstream consumers can tell force-refreshed
// records from organically delivered ones.
func (c *Client) Fetch(ctx context.Context, id string) (*core.ResourceRecord, error) {
	ctx, span := vnrotel.StartFetchSpan(ctx, id)
	defer span.End()

	window := deadlineWindow(ctx)
	url := fmt.Sprintf("%s/v1/vms/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.NewFetchError(id, err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewTimeoutError("fetch "+id, window)
		}
		return nil, core.NewFetchError(id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, core.NewNotFoundError("Resource", id)
	case resp.StatusCode != http.StatusOK:
		return nil, core.NewFetchError(id, fmt.Errorf("inventory returned %s", resp.Status))
	}

	var vm inventoryVM
	if err := json.NewDecoder(resp.Body).Decode(&vm); err != nil {
		return nil, core.NewFetchError(id, fmt.Errorf("decoding response: %w", err))
	}
	if vm.ID == "" {
		vm.ID = id
	}

	return &core.ResourceRecord{
		ID:        vm.ID,
		Name:      vm.Name,
		State:     vm.State,
		Addresses: vm.Addresses,
		Tenant:    vm.Tenant,
		Origin:    core.OriginReaper,
		FetchedAt: core.NowFormatted(),
	}, nil
}

func deadlineWindow(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl).Round(time.Millisecond)
	}
	return 0
}
