package host

import (
	"context"
	"fmt"

	"github.com/lxstack/lxmq/pkg/types"
)

// Spec is a rendered container specification as handed to the host: the
// decoded JSON object produced by the template store. Only the fields the
// pipeline itself touches have accessors; the rest is opaque to us and
// passed through to the host.
type Spec map[string]any

// Name returns the instance name declared by the spec.
func (s Spec) Name() string {
	name, _ := s["name"].(string)
	return name
}

// Devices returns the device map declared by the spec.
func (s Spec) Devices() map[string]types.Device {
	raw, _ := s["devices"].(map[string]any)
	devices := make(map[string]types.Device, len(raw))
	for name, d := range raw {
		entry, _ := d.(map[string]any)
		dev := make(types.Device, len(entry))
		for k, v := range entry {
			dev[k] = fmt.Sprintf("%v", v)
		}
		devices[name] = dev
	}
	return devices
}

// Config returns the config map declared by the spec.
func (s Spec) Config() map[string]string {
	raw, _ := s["config"].(map[string]any)
	cfg := make(map[string]string, len(raw))
	for k, v := range raw {
		cfg[k] = fmt.Sprintf("%v", v)
	}
	return cfg
}

// Instance is what the pipeline reads back from the host after a create:
// the name, the host the instance landed on, its devices and its config.
type Instance struct {
	Name     string
	Location string
	Devices  map[string]types.Device
	Config   map[string]string
}

// State is the host's view of a running instance.
type State struct {
	Status     string
	StatusCode int
	Pid        int
}

// ExecResult is the outcome of a command executed inside an instance.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver is the container-host capability the instance service composes.
// Implementations are blocking from the caller's perspective; the service
// runs each request on its own worker.
type Driver interface {
	// Create provisions and starts an instance from spec. The returned
	// instance carries the host-assigned location.
	Create(ctx context.Context, spec Spec) (*Instance, error)

	Start(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	State(ctx context.Context, name string) (*State, error)

	Get(ctx context.Context, name string) (*Instance, error)
	List(ctx context.Context) ([]*Instance, error)

	// UpdateDevice replaces one device of an instance; Save persists the
	// accumulated instance mutations on the host.
	UpdateDevice(ctx context.Context, instance, device string, dev types.Device) error
	Save(ctx context.Context, inst *Instance) error

	// Exec runs argv inside the instance and reports its outcome.
	Exec(ctx context.Context, instance string, argv []string) (*ExecResult, error)

	// Delete removes an instance. Used by the create pipeline's
	// compensation path.
	Delete(ctx context.Context, name string) error
}
