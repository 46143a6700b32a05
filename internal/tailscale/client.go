// Package tailscale reads the tailnet's device inventory.
package tailscale

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tsclient "github.com/tailscale/tailscale-client-go/v2"
)

// Device is a tailnet member as reported by the Tailscale API.
type Device struct {
	ID            string   `json:"id"`
	NodeID        string   `json:"nodeId"`
	Name          string   `json:"name"`
	Hostname      string   `json:"hostname"`
	OS            string   `json:"os"`
	User          string   `json:"user"`
	Tags          []string `json:"tags"`
	ClientVersion string   `json:"clientVersion"`
	Authorized    bool     `json:"authorized"`
	LastSeen      string   `json:"lastSeen"`
}

// LastSeenTime parses LastSeen. Devices that never connected report none.
func (d *Device) LastSeenTime() (time.Time, bool) {
	if d.LastSeen == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, d.LastSeen)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// DeviceLister lists the devices of a tailnet.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Client wraps the Tailscale API client.
type Client struct {
	client  *tsclient.Client
	tailnet string
}

// Ensure Client implements DeviceLister.
var _ DeviceLister = (*Client)(nil)

// New creates a new Tailscale client.
func New(apiKey, tailnet string) (*Client, error) {
	if apiKey == "" || tailnet == "" {
		return nil, fmt.Errorf("tailscale api key and tailnet are required")
	}
	client := &tsclient.Client{
		APIKey:  apiKey,
		Tailnet: tailnet,
	}
	return &Client{client: client, tailnet: tailnet}, nil
}

// ListDevices lists every device in the tailnet.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := c.client.Devices().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices of %s: %w", c.tailnet, err)
	}

	// Convert from Tailscale client types to ours via their JSON form
	data, err := json.Marshal(devices)
	if err != nil {
		return nil, err
	}
	var result []Device
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}
