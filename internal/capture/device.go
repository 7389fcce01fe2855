package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DeviceResolver resolves the capture source to open when no explicit device
// is configured.
type DeviceResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// PactlResolver resolves the default sink's monitor source by invoking
// `pactl get-default-sink`. Command failure or empty output is fatal to the
// run: without a source there is nothing to capture.
type PactlResolver struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewPactlResolver returns a resolver backed by the real pactl binary.
func NewPactlResolver() *PactlResolver {
	return &PactlResolver{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Resolve returns "<default-sink>.monitor".
func (r *PactlResolver) Resolve(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "pactl", "get-default-sink")
	if err != nil {
		return "", fmt.Errorf("query default sink: %w", err)
	}
	sink := strings.TrimSpace(string(out))
	if sink == "" {
		return "", fmt.Errorf("query default sink: empty output from pactl")
	}
	return sink + ".monitor", nil
}

// FixedResolver always resolves to itself. Used when the device is named
// explicitly in configuration, and by tests.
type FixedResolver string

// Resolve returns the fixed device name.
func (f FixedResolver) Resolve(context.Context) (string, error) {
	if f == "" {
		return "", fmt.Errorf("resolve device: empty device name")
	}
	return string(f), nil
}
