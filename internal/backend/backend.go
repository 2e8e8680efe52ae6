package backend

import (
	"context"
	"fmt"
	"strings"
)

// Provider is a string identifier for a synthesis library.
type Provider string

const (
	ProviderCoqui Provider = "coqui"
)

// Device is the compute device a model is bound to.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice converts a configured device name. "auto" and "" return ok=false
// so the caller probes instead.
func ParseDevice(raw string) (Device, bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return "", false, nil
	case "cpu":
		return DeviceCPU, true, nil
	case "cuda", "gpu":
		return DeviceCUDA, true, nil
	default:
		return "", false, fmt.Errorf("unknown device %q", raw)
	}
}

// Backend is the boundary to the external speech-synthesis library.
type Backend interface {
	// Provider returns the backend identifier.
	Provider() Provider

	// ListModels enumerates every model identifier the library can load.
	ListModels(ctx context.Context) ([]string, error)

	// ProbeDevice reports the best available compute device.
	ProbeDevice(ctx context.Context) (Device, error)

	// Load loads modelID onto device and returns a handle to it.
	Load(ctx context.Context, modelID string, device Device) (Handle, error)

	// Close cleans up resources.
	Close() error
}

// Handle is a model loaded by a Backend.
type Handle interface {
	ModelID() string
	Device() Device

	// Speakers lists the named speakers of a multi-speaker model. Empty for
	// single-voice models. Decided once at load time.
	Speakers() []string

	// Languages lists the languages the model advertises, if any.
	Languages() []string

	// Alive reports whether the handle can still serve requests.
	Alive() bool

	// SynthesizeToFile renders req.Text into req.OutputPath as WAV.
	SynthesizeToFile(ctx context.Context, req *Request) error

	// Close releases the model.
	Close() error
}

// Request encapsulates all parameters for a synthesis call.
type Request struct {
	Text               string
	OutputPath         string
	Speaker            string
	ReferenceAudioPath string
	Language           string
}
