package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/types"
)

// runnerFunc invokes the lxc client binary and reports its streams and
// exit code. err is non-nil only when the command could not run or exited
// non-zero.
type runnerFunc func(ctx context.Context, args ...string) (stdout, stderr []byte, exitCode int, err error)

// LXCDriver drives a container host through the lxc client binary. REST
// operations go through `lxc query`; command execution through `lxc exec`.
type LXCDriver struct {
	run    runnerFunc
	logger zerolog.Logger
}

// NewLXC creates a driver bound to the lxc binary on PATH.
func NewLXC() *LXCDriver {
	return &LXCDriver{
		run:    runLXC,
		logger: log.WithComponent("host"),
	}
}

func runLXC(ctx context.Context, args ...string) ([]byte, []byte, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "lxc", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := cmd.ProcessState.ExitCode()
	return stdout.Bytes(), stderr.Bytes(), code, err
}

// query performs one REST call against the host API.
func (d *LXCDriver) query(ctx context.Context, method, path string, payload any, out any) error {
	args := []string{"query", "--wait", "-X", method}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		args = append(args, "-d", string(data))
	}
	args = append(args, path)

	d.logger.Debug().Str("method", method).Str("path", path).Msg("Host API call")
	stdout, stderr, _, err := d.run(ctx, args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(strings.ToLower(msg), "not found") {
			return fault.New(fault.NotFound, "%s not found", path)
		}
		return fault.Wrap(fault.Driver, err, "%s %s failed: %s", method, path, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return fault.Wrap(fault.Driver, err, "unexpected response from %s %s", method, path)
	}
	return nil
}

// wireInstance is the host's instance representation, trimmed to the
// fields the pipeline reads.
type wireInstance struct {
	Name     string                  `json:"name"`
	Location string                  `json:"location"`
	Devices  map[string]types.Device `json:"devices"`
	Config   map[string]string       `json:"config"`
}

func (w *wireInstance) instance() *Instance {
	return &Instance{
		Name:     w.Name,
		Location: w.Location,
		Devices:  w.Devices,
		Config:   w.Config,
	}
}

func (d *LXCDriver) Create(ctx context.Context, spec Spec) (*Instance, error) {
	name := spec.Name()
	if name == "" {
		return nil, fault.New(fault.Validation, "spec has no name")
	}
	if err := d.query(ctx, "POST", "/1.0/instances", map[string]any(spec), nil); err != nil {
		return nil, err
	}
	if err := d.Start(ctx, name); err != nil {
		return nil, err
	}
	return d.Get(ctx, name)
}

func (d *LXCDriver) setState(ctx context.Context, name, action string) error {
	path := fmt.Sprintf("/1.0/instances/%s/state", name)
	return d.query(ctx, "PUT", path, map[string]any{"action": action}, nil)
}

func (d *LXCDriver) Start(ctx context.Context, name string) error {
	return d.setState(ctx, name, "start")
}

func (d *LXCDriver) Restart(ctx context.Context, name string) error {
	return d.setState(ctx, name, "restart")
}

func (d *LXCDriver) State(ctx context.Context, name string) (*State, error) {
	var state struct {
		Status     string `json:"status"`
		StatusCode int    `json:"status_code"`
		Pid        int    `json:"pid"`
	}
	path := fmt.Sprintf("/1.0/instances/%s/state", name)
	if err := d.query(ctx, "GET", path, nil, &state); err != nil {
		return nil, err
	}
	return &State{Status: state.Status, StatusCode: state.StatusCode, Pid: state.Pid}, nil
}

func (d *LXCDriver) Get(ctx context.Context, name string) (*Instance, error) {
	var wire wireInstance
	if err := d.query(ctx, "GET", "/1.0/instances/"+name, nil, &wire); err != nil {
		return nil, err
	}
	return wire.instance(), nil
}

func (d *LXCDriver) List(ctx context.Context) ([]*Instance, error) {
	var wires []wireInstance
	if err := d.query(ctx, "GET", "/1.0/instances?recursion=1", nil, &wires); err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(wires))
	for i := range wires {
		instances = append(instances, wires[i].instance())
	}
	return instances, nil
}

func (d *LXCDriver) UpdateDevice(ctx context.Context, instance, device string, dev types.Device) error {
	// PATCH merges device maps on the host side.
	payload := map[string]any{"devices": map[string]types.Device{device: dev}}
	return d.query(ctx, "PATCH", "/1.0/instances/"+instance, payload, nil)
}

func (d *LXCDriver) Save(ctx context.Context, inst *Instance) error {
	payload := map[string]any{"devices": inst.Devices}
	return d.query(ctx, "PATCH", "/1.0/instances/"+inst.Name, payload, nil)
}

func (d *LXCDriver) Exec(ctx context.Context, instance string, argv []string) (*ExecResult, error) {
	args := append([]string{"exec", instance, "--"}, argv...)
	stdout, stderr, code, err := d.run(ctx, args...)
	if err != nil && code < 0 {
		return nil, fault.Wrap(fault.Driver, err, "failed to exec in %s", instance)
	}
	return &ExecResult{
		ExitCode: code,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}, nil
}

func (d *LXCDriver) Delete(ctx context.Context, name string) error {
	_, stderr, _, err := d.run(ctx, "delete", "--force", name)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(strings.ToLower(msg), "not found") {
			return fault.New(fault.NotFound, "instance %s not found", name)
		}
		return fault.Wrap(fault.Driver, err, "failed to delete %s: %s", name, msg)
	}
	return nil
}
