package host

import (
	"context"
	"sync"

	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/types"
)

// FakeDriver is an in-memory Driver for tests and local development. All
// mutations happen under one mutex; error fields inject failures into the
// corresponding operations.
type FakeDriver struct {
	mu        sync.Mutex
	location  string
	status    string
	instances map[string]*Instance

	CreateErr  error
	RestartErr error
	SaveErr    error
	ExecErr    error
	UpdateErr  error

	// ExecResult is returned by Exec when ExecErr is nil. Defaults to a
	// zero exit code.
	ExecResult ExecResult

	RestartCalls []string
	ExecCalls    [][]string
	DeleteCalls  []string
	SaveCalls    int
}

// NewFake creates a FakeDriver that places instances on location and
// reports them as Running.
func NewFake(location string) *FakeDriver {
	return &FakeDriver{
		location:  location,
		status:    "Running",
		instances: make(map[string]*Instance),
	}
}

// Add seeds an existing instance.
func (d *FakeDriver) Add(inst *Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances[inst.Name] = inst
}

// SetStatus changes the status State reports.
func (d *FakeDriver) SetStatus(status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *FakeDriver) Create(ctx context.Context, spec Spec) (*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.CreateErr != nil {
		return nil, d.CreateErr
	}

	name := spec.Name()
	if name == "" {
		return nil, fault.New(fault.Validation, "spec has no name")
	}
	if _, exists := d.instances[name]; exists {
		return nil, fault.New(fault.Validation, "instance %s already exists", name)
	}

	inst := &Instance{
		Name:     name,
		Location: d.location,
		Devices:  spec.Devices(),
		Config:   spec.Config(),
	}
	d.instances[name] = inst
	return inst, nil
}

func (d *FakeDriver) Start(ctx context.Context, name string) error {
	_, err := d.Get(ctx, name)
	return err
}

func (d *FakeDriver) Restart(ctx context.Context, name string) error {
	if _, err := d.Get(ctx, name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RestartErr != nil {
		return d.RestartErr
	}
	d.RestartCalls = append(d.RestartCalls, name)
	return nil
}

func (d *FakeDriver) State(ctx context.Context, name string) (*State, error) {
	if _, err := d.Get(ctx, name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &State{Status: d.status, StatusCode: 103}, nil
}

func (d *FakeDriver) Get(ctx context.Context, name string) (*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[name]
	if !ok {
		return nil, fault.New(fault.NotFound, "instance %s not found", name)
	}
	return inst, nil
}

func (d *FakeDriver) List(ctx context.Context) ([]*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	instances := make([]*Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		instances = append(instances, inst)
	}
	return instances, nil
}

func (d *FakeDriver) UpdateDevice(ctx context.Context, instance, device string, dev types.Device) error {
	inst, err := d.Get(ctx, instance)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UpdateErr != nil {
		return d.UpdateErr
	}
	if inst.Devices == nil {
		inst.Devices = make(map[string]types.Device)
	}
	inst.Devices[device] = dev
	return nil
}

func (d *FakeDriver) Save(ctx context.Context, inst *Instance) error {
	if _, err := d.Get(ctx, inst.Name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SaveErr != nil {
		return d.SaveErr
	}
	d.SaveCalls++
	d.instances[inst.Name] = inst
	return nil
}

func (d *FakeDriver) Exec(ctx context.Context, instance string, argv []string) (*ExecResult, error) {
	if _, err := d.Get(ctx, instance); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ExecErr != nil {
		return nil, d.ExecErr
	}
	d.ExecCalls = append(d.ExecCalls, argv)
	result := d.ExecResult
	return &result, nil
}

func (d *FakeDriver) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DeleteCalls = append(d.DeleteCalls, name)
	if _, ok := d.instances[name]; !ok {
		return fault.New(fault.NotFound, "instance %s not found", name)
	}
	delete(d.instances, name)
	return nil
}
