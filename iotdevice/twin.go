package iotdevice

import (
	"context"
	"encoding/json"
	"fmt"

	"cirruslink.io/sdk-go/internal/pipeline"
)

// TwinState is one half of a twin document, a property tree plus hub
// bookkeeping ($version and per-property metadata).
type TwinState map[string]any

// Version returns the state's $version, or 0 when absent.
func (s TwinState) Version() int {
	v, ok := s["$version"].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// Twin is the full device twin document.
type Twin struct {
	Desired  TwinState `json:"desired"`
	Reported TwinState `json:"reported"`
}

// TwinPatch is one desired-property patch pushed by the hub.
type TwinPatch struct {
	Payload []byte
	Version int
}

// State decodes the patch body.
func (p *TwinPatch) State() (TwinState, error) {
	var s TwinState
	if err := json.Unmarshal(p.Payload, &s); err != nil {
		return nil, fmt.Errorf("decoding twin patch: %w", err)
	}
	return s, nil
}

// GetTwin retrieves the full twin document from the hub.
func (c *Client) GetTwin(ctx context.Context) (*Twin, error) {
	body, _, err := c.twinExchange(ctx, "GET", "/", nil)
	if err != nil {
		return nil, err
	}
	var twin Twin
	if err := json.Unmarshal(body, &twin); err != nil {
		return nil, fmt.Errorf("decoding twin: %w", err)
	}
	return &twin, nil
}

// UpdateReportedProperties patches the reported half of the twin and
// returns the new reported version. Setting a property to nil deletes it.
func (c *Client) UpdateReportedProperties(ctx context.Context, patch TwinState) (int, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("encoding reported properties: %w", err)
	}
	_, version, err := c.twinExchange(ctx, "PATCH", "/properties/reported/", body)
	return version, err
}

// twinExchange runs one twin request/response round trip.
func (c *Client) twinExchange(ctx context.Context, method, resource string, payload []byte) ([]byte, int, error) {
	if err := c.ensureFeature(ctx, pipeline.FeatureTwinResponses); err != nil {
		return nil, 0, err
	}

	op := pipeline.NewRequestAndResponseOp(pipeline.RequestTypeTwin, method, resource, payload)
	if err := c.pl.Run(ctx, op); err != nil {
		return nil, 0, err
	}
	if op.Status >= 300 {
		return nil, 0, fmt.Errorf("twin %s %s: hub returned status %d", method, resource, op.Status)
	}
	return op.ResponsePayload, op.Version, nil
}
