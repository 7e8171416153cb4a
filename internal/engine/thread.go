// ABOUTME: Per-device audio thread driving playback or capture passes
// ABOUTME: Owns the device and its stream list between passes and serves commands against them
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

const (
	// SleepFuzzFrames is how far past the threshold a wake may land before
	// it counts as early or late
	SleepFuzzFrames = 10

	// CaptureExtraSleepFrames pads capture sleeps so the wake lands after
	// the last frame of the block has arrived
	CaptureExtraSleepFrames = 16

	// MinSleep is the shortest interval between passes
	MinSleep = time.Millisecond

	// MaxConsecutiveErrors is how many failing passes in a row close the device
	MaxConsecutiveErrors = 50
)

var (
	ErrStopped       = errors.New("audio thread stopped")
	ErrStreamUnknown = errors.New("stream not on this thread")
)

// State is the lifecycle state of a thread
type State int

const (
	Idle State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	}
	return "idle"
}

// Config tunes the scheduling of a thread. Zero fields take the package
// defaults.
type Config struct {
	SleepFuzzFrames         int
	CaptureExtraSleepFrames int
	MinSleep                time.Duration
	MaxConsecutiveErrors    int
	// DrainTimeout bounds how long a removed playback stream is kept while
	// the hardware plays out; zero means one full buffer.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SleepFuzzFrames <= 0 {
		c.SleepFuzzFrames = SleepFuzzFrames
	}
	if c.CaptureExtraSleepFrames <= 0 {
		c.CaptureExtraSleepFrames = CaptureExtraSleepFrames
	}
	if c.MinSleep <= 0 {
		c.MinSleep = MinSleep
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = MaxConsecutiveErrors
	}
	return c
}

type command struct {
	apply func(t *Thread) error
	reply chan error
}

// Thread runs the passes for one device. All state below is touched only
// by the goroutine in Run, except through commands.
type Thread struct {
	dev  *iodev.Device
	cfg  Config
	cmds chan command
	wake chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	state      State
	correction int
	errCount   int
	draining   *stream.Stream
	drainUntil time.Time
	now        func() time.Time

	hwPlanes  [][]float32
	outPlanes [][]float32
}

// New creates a thread for dev. It does nothing until Run is called.
func New(dev *iodev.Device, cfg Config) *Thread {
	ctx, cancel := context.WithCancel(context.Background())
	return &Thread{
		dev:    dev,
		cfg:    cfg.withDefaults(),
		cmds:   make(chan command),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Device returns the device this thread drives
func (t *Thread) Device() *iodev.Device { return t.dev }

// Correction is the current sleep correction in frames
func (t *Thread) Correction() int { return t.correction }

// State reports the lifecycle state. Only meaningful from the thread's own
// goroutine or after Run returns; use Dump otherwise.
func (t *Thread) State() State { return t.state }

// Run drives passes until ctx is cancelled, Stop is called, or the device
// fails MaxConsecutiveErrors passes in a row
func (t *Thread) Run(ctx context.Context) error {
	defer close(t.done)
	defer t.shutdown()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	log.Debugf("%s: audio thread started", t.dev.Name())
	for {
		var tick <-chan time.Time
		if t.state != Idle {
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.ctx.Done():
			return nil

		case cmd := <-t.cmds:
			was := t.state
			cmd.reply <- cmd.apply(t)
			if was == Idle && t.state != Idle {
				timer.Reset(0)
			}

		case <-t.wake:
			if t.state != Idle {
				timer.Reset(0)
			}

		case <-tick:
			sleep, err := t.pass()
			if err != nil {
				return err
			}
			if t.state != Idle {
				timer.Reset(max(sleep, t.cfg.MinSleep))
			}
		}
	}
}

// pass runs one playback or capture pass and converts its sleep into a
// duration. Errors are absorbed until too many arrive in a row.
func (t *Thread) pass() (time.Duration, error) {
	if t.state == Draining {
		if emptied, done := t.drainProgress(); done {
			t.finishDrain(emptied)
		}
		if t.state == Idle {
			return 0, nil
		}
	}

	var (
		frames int
		err    error
	)
	if t.dev.Direction() == stream.Output {
		frames, err = t.PossiblyFillAudio()
	} else {
		frames, err = t.PossiblyReadAudio()
	}
	if err != nil {
		t.errCount++
		log.Errorf("%s: pass failed (%d in a row): %v", t.dev.Name(), t.errCount, err)
		if t.errCount >= t.cfg.MaxConsecutiveErrors {
			return 0, fmt.Errorf("%s: giving up after %d errors: %w", t.dev.Name(), t.errCount, err)
		}
		return 0, nil
	}
	t.errCount = 0

	rate := 0
	if f := t.dev.Format(); f != nil {
		rate = f.Rate
	}
	return FramesToDuration(frames, rate), nil
}

// activeStreams are the device's streams minus one being drained
func (t *Thread) activeStreams() []*stream.Stream {
	streams := t.dev.Streams()
	if t.draining == nil {
		return streams
	}
	return slices.DeleteFunc(slices.Clone(streams), func(s *stream.Stream) bool {
		return s == t.draining
	})
}

// drainProgress reports whether the drain is over and, if so, whether the
// hardware actually ran empty rather than timing out
func (t *Thread) drainProgress() (emptied, done bool) {
	if !t.now().Before(t.drainUntil) {
		log.Debugf("%s: drain timed out", t.dev.Name())
		return false, true
	}
	queued, err := t.dev.FramesQueued()
	if err != nil {
		return false, true
	}
	return queued == 0, queued == 0
}

// finishDrain detaches the draining stream, which closes the device. With
// playOut the backend is drained first so its last period is not cut.
func (t *Thread) finishDrain(playOut bool) {
	s := t.draining
	t.draining = nil
	if playOut {
		if err := t.dev.Drain(); err != nil {
			log.Warnf("%s: drain: %v", t.dev.Name(), err)
		}
	}
	if err := t.dev.RemoveStream(s); err != nil {
		log.Warnf("%s: detach drained %s: %v", t.dev.Name(), s, err)
	}
	t.settleState()
}

func (t *Thread) settleState() {
	switch {
	case t.draining != nil:
		t.state = Draining
	case len(t.dev.Streams()) > 0:
		t.state = Running
	default:
		t.state = Idle
		t.correction = 0
		t.errCount = 0
	}
}

func (t *Thread) drainTimeout() time.Duration {
	if t.cfg.DrainTimeout > 0 {
		return t.cfg.DrainTimeout
	}
	if f := t.dev.Format(); f != nil {
		return FramesToDuration(t.dev.BufferSize(), f.Rate)
	}
	return 0
}

func (t *Thread) addStream(s *stream.Stream) error {
	if t.draining != nil {
		t.finishDrain(false)
	}
	if err := t.dev.AppendStream(s); err != nil {
		return err
	}
	log.Infof("%s: attached %s", t.dev.Name(), s)
	t.settleState()
	return nil
}

func (t *Thread) removeStream(s *stream.Stream) error {
	if s == t.draining {
		t.finishDrain(false)
		return nil
	}
	if !slices.Contains(t.dev.Streams(), s) {
		return ErrStreamUnknown
	}

	// The last playback stream leaves what it already wrote to the hardware
	// playing out before the device is closed.
	if t.dev.Direction() == stream.Output && len(t.dev.Streams()) == 1 {
		if queued, err := t.dev.FramesQueued(); err == nil && queued > 0 {
			t.draining = s
			t.drainUntil = t.now().Add(t.drainTimeout())
			t.settleState()
			log.Debugf("%s: draining %d frames after %s", t.dev.Name(), queued, s)
			return nil
		}
	}

	if err := t.dev.RemoveStream(s); err != nil {
		return err
	}
	log.Infof("%s: detached %s", t.dev.Name(), s)
	t.settleState()
	return nil
}

func (t *Thread) shutdown() {
	if t.draining != nil {
		t.finishDrain(false)
	}
	for _, s := range slices.Clone(t.dev.Streams()) {
		if err := t.dev.RemoveStream(s); err != nil {
			log.Warnf("%s: detach %s: %v", t.dev.Name(), s, err)
		}
	}
	t.state = Idle
	log.Debugf("%s: audio thread stopped", t.dev.Name())
}

func (t *Thread) do(ctx context.Context, apply func(t *Thread) error) error {
	cmd := command{apply: apply, reply: make(chan error, 1)}
	select {
	case t.cmds <- cmd:
	case <-t.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}

// AddStream attaches s to the device, opening it if this is the first stream
func (t *Thread) AddStream(ctx context.Context, s *stream.Stream) error {
	return t.do(ctx, func(t *Thread) error { return t.addStream(s) })
}

// RemoveStream detaches s. The reply does not wait for a playback drain.
func (t *Thread) RemoveStream(ctx context.Context, s *stream.Stream) error {
	return t.do(ctx, func(t *Thread) error { return t.removeStream(s) })
}

// BestFormat returns the format a new stream asking for req should use on
// this device. It runs on the thread because the answer depends on whether
// the device is already open.
func (t *Thread) BestFormat(ctx context.Context, req audio.Format) (audio.Format, error) {
	var f audio.Format
	err := t.do(ctx, func(t *Thread) error {
		f = t.dev.BestFormat(req)
		return nil
	})
	return f, err
}

// SelectNode makes node the device's active node. The backend volume is
// applied here so it never lands in the middle of an open or close.
func (t *Thread) SelectNode(ctx context.Context, node int) error {
	return t.do(ctx, func(t *Thread) error { return t.dev.SetActiveNode(node) })
}

// SetNodeVolume sets a node's volume from the thread, for the same reason
// as SelectNode
func (t *Thread) SetNodeVolume(ctx context.Context, node, volume int) error {
	return t.do(ctx, func(t *Thread) error { return t.dev.SetNodeVolume(node, volume) })
}

// Dump returns a snapshot of the thread and its streams
func (t *Thread) Dump(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := t.do(ctx, func(t *Thread) error {
		snap = t.snapshot()
		return nil
	})
	return snap, err
}

// Wake schedules a pass as soon as possible. It never blocks.
func (t *Thread) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop ends Run. Attached streams are detached and the device is closed.
func (t *Thread) Stop() {
	t.cancel()
}

// Done is closed once Run has returned
func (t *Thread) Done() <-chan struct{} { return t.done }
