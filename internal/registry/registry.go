// ABOUTME: Process-wide registry of input and output devices and their audio threads
// ABOUTME: Hands out device indexes and routes stream attach, detach and node operations
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/resonated/internal/engine"
	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/iodev/empty"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNoDevice      = errors.New("no device for direction")
	ErrDuplicate     = errors.New("device already registered")
	ErrNotStarted    = errors.New("registry not started")
	ErrClosed        = errors.New("registry closed")
)

type entry struct {
	dev    *iodev.Device
	thread *engine.Thread
	failed error
}

// Registry owns every device and runs one audio thread per device. The
// zero value is not usable; call New.
type Registry struct {
	mu        sync.Mutex
	cfg       engine.Config
	outputs   []*entry
	inputs    []*entry
	nextIndex int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// New returns an empty registry whose threads use cfg
func New(cfg engine.Config) *Registry {
	return &Registry{cfg: cfg}
}

// Start launches threads for the devices added so far and for every device
// added later. Threads stop when ctx is cancelled or Close is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.group = &errgroup.Group{}
	for _, e := range r.all() {
		r.startLocked(e)
	}
}

// startLocked runs the entry's thread. A thread that gives up takes only its
// own device down.
func (r *Registry) startLocked(e *entry) {
	th := e.thread
	r.group.Go(func() error {
		err := th.Run(r.ctx)
		if err != nil {
			log.Errorf("%s: audio thread failed: %v", e.dev.Name(), err)
			r.mu.Lock()
			e.failed = err
			r.mu.Unlock()
		}
		return err
	})
}

func (r *Registry) all() []*entry {
	return slices.Concat(r.outputs, r.inputs)
}

func (r *Registry) list(dir stream.Direction) *[]*entry {
	if dir == stream.Input {
		return &r.inputs
	}
	return &r.outputs
}

// AddDevice registers dev under the next free index and starts its thread
// if the registry is running
func (r *Registry) AddDevice(dev *iodev.Device) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	for _, e := range r.all() {
		if e.dev == dev {
			return 0, fmt.Errorf("%w: %s", ErrDuplicate, dev.Name())
		}
	}

	index := r.nextIndex
	r.nextIndex++
	dev.SetIndex(index)

	e := &entry{dev: dev, thread: engine.New(dev, r.cfg)}
	l := r.list(dev.Direction())
	*l = append(*l, e)
	if r.group != nil {
		r.startLocked(e)
	}
	log.Infof("added %s device %d: %s", dev.Direction(), index, dev.Name())
	return index, nil
}

// RemoveDevice stops the device's thread, which detaches its streams and
// closes it, then forgets the device
func (r *Registry) RemoveDevice(index int) error {
	r.mu.Lock()
	e, err := r.findLocked(index)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	l := r.list(e.dev.Direction())
	*l = slices.DeleteFunc(*l, func(x *entry) bool { return x == e })
	started := r.group != nil
	r.mu.Unlock()

	e.thread.Stop()
	if started {
		<-e.thread.Done()
	}
	log.Infof("removed device %d: %s", index, e.dev.Name())
	return nil
}

func (r *Registry) findLocked(index int) (*entry, error) {
	for _, e := range r.all() {
		if e.dev.Index() == index {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, index)
}

func (r *Registry) find(index int) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(index)
}

// Device returns the device registered under index
func (r *Registry) Device(index int) (*iodev.Device, error) {
	e, err := r.find(index)
	if err != nil {
		return nil, err
	}
	return e.dev, nil
}

// Devices lists the devices of one direction in registration order
func (r *Registry) Devices(dir stream.Direction) []*iodev.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var devs []*iodev.Device
	for _, e := range *r.list(dir) {
		devs = append(devs, e.dev)
	}
	return devs
}

// EnsureFallback registers a silent device for each direction that has
// none, so clients always have somewhere to connect
func (r *Registry) EnsureFallback() error {
	for _, dir := range []stream.Direction{stream.Output, stream.Input} {
		if len(r.Devices(dir)) > 0 {
			continue
		}
		dev, err := empty.NewDevice(dir)
		if err != nil {
			return err
		}
		if _, err := r.AddDevice(dev); err != nil {
			return err
		}
	}
	return nil
}

// resolve picks the device for a stream: the requested index, or the first
// device of the stream's direction for a negative index
func (r *Registry) resolve(index int, dir stream.Direction) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group == nil {
		return nil, ErrNotStarted
	}
	if index < 0 {
		l := *r.list(dir)
		if len(l) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, dir)
		}
		return l[0], nil
	}
	e, err := r.findLocked(index)
	if err != nil {
		return nil, err
	}
	if e.dev.Direction() != dir {
		return nil, fmt.Errorf("%w: device %d is %s", iodev.ErrWrongDirection, index, e.dev.Direction())
	}
	if e.failed != nil {
		return nil, fmt.Errorf("device %d: %w", index, e.failed)
	}
	return e, nil
}

// Negotiate picks the device a stream of direction dir would attach to and
// the format it should use there
func (r *Registry) Negotiate(ctx context.Context, index int, dir stream.Direction, req audio.Format) (int, audio.Format, error) {
	e, err := r.resolve(index, dir)
	if err != nil {
		return 0, audio.Format{}, err
	}
	f, err := e.thread.BestFormat(ctx, req)
	if err != nil {
		return 0, audio.Format{}, err
	}
	return e.dev.Index(), f, nil
}

// AttachStream adds s to the device at index (or the default device for a
// negative index) and returns the index used
func (r *Registry) AttachStream(ctx context.Context, index int, s *stream.Stream) (int, error) {
	e, err := r.resolve(index, s.Direction())
	if err != nil {
		return 0, err
	}
	if err := e.thread.AddStream(ctx, s); err != nil {
		return 0, err
	}
	return e.dev.Index(), nil
}

// DetachStream removes s from the device at index
func (r *Registry) DetachStream(ctx context.Context, index int, s *stream.Stream) error {
	e, err := r.find(index)
	if err != nil {
		return err
	}
	return e.thread.RemoveStream(ctx, s)
}

// Wake asks the device's thread for an early pass, typically after a
// client wrote audio
func (r *Registry) Wake(index int) {
	if e, err := r.find(index); err == nil {
		e.thread.Wake()
	}
}

// SelectNode makes a node the device's active one
func (r *Registry) SelectNode(ctx context.Context, device, node int) error {
	e, running, err := r.nodeTarget(device)
	if err != nil {
		return err
	}
	if running {
		if err := e.thread.SelectNode(ctx, node); !errors.Is(err, engine.ErrStopped) {
			return err
		}
	}
	return e.dev.SetActiveNode(node)
}

// SetNodeVolume sets a node's volume, 0..100
func (r *Registry) SetNodeVolume(ctx context.Context, device, node, volume int) error {
	e, running, err := r.nodeTarget(device)
	if err != nil {
		return err
	}
	if running {
		if err := e.thread.SetNodeVolume(ctx, node, volume); !errors.Is(err, engine.ErrStopped) {
			return err
		}
	}
	return e.dev.SetNodeVolume(node, volume)
}

// nodeTarget finds the device for a node request. While its thread runs
// the request must go through the thread; otherwise nothing else touches
// the backend and the device is changed directly.
func (r *Registry) nodeTarget(index int) (*entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.findLocked(index)
	if err != nil {
		return nil, false, err
	}
	return e, r.group != nil, nil
}

// Snapshot dumps every running thread, outputs first
func (r *Registry) Snapshot(ctx context.Context) []engine.Snapshot {
	r.mu.Lock()
	entries := r.all()
	started := r.group != nil
	r.mu.Unlock()
	if !started {
		return nil
	}

	var snaps []engine.Snapshot
	for _, e := range entries {
		snap, err := e.thread.Dump(ctx)
		if err != nil {
			log.Debugf("%s: no snapshot: %v", e.dev.Name(), err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// Close stops every thread and waits for them. It returns the first error a
// thread gave up with.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	group, cancel := r.group, r.cancel
	r.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	return group.Wait()
}
