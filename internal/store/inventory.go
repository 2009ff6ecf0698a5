package store

import (
	"context"
	"sort"
	"time"
)

// PodInventory is what one worker process reports about the sessions it drives.
type PodInventory struct {
	PodID     string    `json:"podId"`
	Sessions  int       `json:"sessions"`
	Connected int       `json:"connected"`
	Users     []string  `json:"users"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Client) PublishInventory(ctx context.Context, inv PodInventory, ttl time.Duration) error {
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = time.Now().UTC()
	}
	return c.SetJSON(ctx, c.Key("pods", inv.PodID), inv, ttl)
}

// Inventory lists the pods whose reports have not expired yet, ordered by pod id.
func (c *Client) Inventory(ctx context.Context) ([]PodInventory, error) {
	keys, err := c.ScanKeys(ctx, c.Key("pods", "*"))
	if err != nil {
		return nil, err
	}
	out := make([]PodInventory, 0, len(keys))
	for _, k := range keys {
		var inv PodInventory
		ok, err := c.GetJSON(ctx, k, &inv)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PodID < out[j].PodID })
	return out, nil
}
