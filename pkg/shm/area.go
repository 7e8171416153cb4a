// ABOUTME: Shared audio buffer: a double-buffered region shared with one client
// ABOUTME: Single writer, single reader, coordinated only through atomic header fields
package shm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// NumBuffers is the number of alternating sub-buffers
	NumBuffers = 2

	// HeaderSize is the size of the fixed header preceding the samples
	HeaderSize = 68

	// LayoutVersion must be bumped on any change to header
	LayoutVersion = 1
)

// header is mapped directly onto the start of the area. Field order and
// sizes are shared with client processes; see LayoutVersion.
type header struct {
	usedSize        uint32
	frameBytes      uint32
	readBufIdx      uint32
	writeBufIdx     uint32
	readOffset      [NumBuffers]uint32
	writeOffset     [NumBuffers]uint32
	writeInProgress [NumBuffers]uint32
	volumeScaler    uint32 // float32 bits
	mute            uint32
	callbackPending uint32
	numOverruns     uint32
	tsSec           uint32
	tsNsec          uint32
	version         uint32
}

var _ [HeaderSize - unsafe.Sizeof(header{})]struct{}

// Dir is where named areas live
var Dir = "/dev/shm"

var (
	ErrBadConfig     = errors.New("invalid shared buffer config")
	ErrVersion       = errors.New("shared buffer layout version mismatch")
	ErrAreaTooSmall  = errors.New("shared buffer region too small")
	ErrNotSupported  = errors.New("shared memory files not supported on this platform")
	ErrAlreadyClosed = errors.New("shared buffer already closed")
)

// Config sizes an area. UsedSize is the byte size of each sub-buffer and must
// be a whole number of frames.
type Config struct {
	UsedSize   int
	FrameBytes int
}

func (c Config) validate() error {
	if c.FrameBytes <= 0 || c.UsedSize <= 0 || c.UsedSize%c.FrameBytes != 0 {
		return fmt.Errorf("%w: used %d frame %d", ErrBadConfig, c.UsedSize, c.FrameBytes)
	}
	if c.UsedSize > math.MaxUint32/NumBuffers {
		return fmt.Errorf("%w: used size %d", ErrBadConfig, c.UsedSize)
	}
	return nil
}

// Size is the total byte size of an area for cfg
func Size(cfg Config) int {
	return HeaderSize + NumBuffers*cfg.UsedSize
}

// Area is one shared audio buffer. A single goroutine or process writes and a
// single one reads; the two sides never take a lock.
type Area struct {
	mem []byte
	hdr *header

	// Local copies so a misbehaving peer rewriting the header cannot move
	// accesses outside mem.
	usedSize   uint32
	frameBytes uint32

	name   string
	unmap  func([]byte) error
	closed atomic.Bool
}

// New allocates an area on the heap, for in-process peers and tests
func New(cfg Config) (*Area, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mem := make([]byte, Size(cfg))
	a := wrap(mem, cfg)
	a.init()
	return a, nil
}

func wrap(mem []byte, cfg Config) *Area {
	return &Area{
		mem:        mem,
		hdr:        (*header)(unsafe.Pointer(&mem[0])),
		usedSize:   uint32(cfg.UsedSize),
		frameBytes: uint32(cfg.FrameBytes),
	}
}

func (a *Area) init() {
	h := a.hdr
	atomic.StoreUint32(&h.usedSize, a.usedSize)
	atomic.StoreUint32(&h.frameBytes, a.frameBytes)
	atomic.StoreUint32(&h.volumeScaler, math.Float32bits(1.0))
	atomic.StoreUint32(&h.version, LayoutVersion)
}

// Name is the shared memory name, empty for heap areas
func (a *Area) Name() string { return a.name }

// Config returns the sizing the area was created or attached with
func (a *Area) Config() Config {
	return Config{UsedSize: int(a.usedSize), FrameBytes: int(a.frameBytes)}
}

// UsedFrames is the capacity of one sub-buffer in frames
func (a *Area) UsedFrames() int {
	return int(a.usedSize / a.frameBytes)
}

// Bytes exposes the whole mapped region
func (a *Area) Bytes() []byte { return a.mem }

func (a *Area) buf(idx uint32) []byte {
	start := HeaderSize + idx*a.usedSize
	return a.mem[start : start+a.usedSize]
}

func (a *Area) checked(v uint32) uint32 {
	if v > a.usedSize {
		return a.usedSize
	}
	return v
}

func (a *Area) readOffset(idx uint32) uint32 {
	return a.checked(atomic.LoadUint32(&a.hdr.readOffset[idx]))
}

func (a *Area) writeOffset(idx uint32) uint32 {
	return a.checked(atomic.LoadUint32(&a.hdr.writeOffset[idx]))
}

func (a *Area) writeIdx() uint32 {
	return atomic.LoadUint32(&a.hdr.writeBufIdx) & (NumBuffers - 1)
}

func (a *Area) readIdx() uint32 {
	return atomic.LoadUint32(&a.hdr.readBufIdx) & (NumBuffers - 1)
}

// WritableRegion returns the free tail of the current write sub-buffer
func (a *Area) WritableRegion() ([]byte, int) {
	w := a.writeIdx()
	off := a.writeOffset(w)
	atomic.StoreUint32(&a.hdr.writeInProgress[w], 1)
	return a.buf(w)[off:], int((a.usedSize - off) / a.frameBytes)
}

// CommitWritten publishes frames written into the region returned by
// WritableRegion. Frames beyond the remaining capacity are not committed; the
// return value is the number actually committed. Filling the sub-buffer
// completes it.
func (a *Area) CommitWritten(frames int) int {
	if frames <= 0 {
		return 0
	}
	w := a.writeIdx()
	off := a.writeOffset(w)
	capacity := int((a.usedSize - off) / a.frameBytes)
	if frames > capacity {
		frames = capacity
	}
	off += uint32(frames) * a.frameBytes
	atomic.StoreUint32(&a.hdr.writeOffset[w], off)
	if off == a.usedSize {
		a.WriteComplete()
	}
	return frames
}

// Write copies whole frames from p into the area, looping across the
// sub-buffer boundary. It returns the frames written.
func (a *Area) Write(p []byte) int {
	total := 0
	for len(p) >= int(a.frameBytes) {
		region, capacity := a.WritableRegion()
		if capacity == 0 {
			break
		}
		n := copy(region[:capacity*int(a.frameBytes)], p) / int(a.frameBytes)
		n = a.CommitWritten(n)
		if n == 0 {
			break
		}
		p = p[n*int(a.frameBytes):]
		total += n
	}
	return total
}

// WriteComplete hands the current write sub-buffer to the reader and moves
// the writer to the other one. If the other sub-buffer still holds unread
// frames they are dropped, the overrun counter is bumped and the reader is
// moved to the newest data. Completing an empty sub-buffer is a no-op.
func (a *Area) WriteComplete() {
	h := a.hdr
	w := a.writeIdx()
	if a.writeOffset(w) == 0 {
		return
	}
	next := (w + 1) & (NumBuffers - 1)

	if a.writeOffset(next) > a.readOffset(next) {
		atomic.AddUint32(&h.numOverruns, 1)
	}
	atomic.StoreUint32(&h.readOffset[next], 0)
	atomic.StoreUint32(&h.writeOffset[next], 0)
	if a.readIdx() == next {
		atomic.StoreUint32(&h.readBufIdx, w)
	}

	atomic.StoreUint32(&h.writeInProgress[w], 0)
	atomic.StoreUint32(&h.writeBufIdx, next)
}

// settle moves the reader off a completed sub-buffer it has fully drained
func (a *Area) settle() uint32 {
	r := a.readIdx()
	if r != a.writeIdx() && a.readOffset(r) >= a.writeOffset(r) {
		r = (r + 1) & (NumBuffers - 1)
		atomic.StoreUint32(&a.hdr.readBufIdx, r)
	}
	return r
}

// ReadableRegion returns committed but unread bytes starting offset frames
// past the read position, and the frame count they hold. The region never
// spans a sub-buffer boundary; callers loop.
func (a *Area) ReadableRegion(offset int) ([]byte, int) {
	r := a.settle()
	pos := a.readOffset(r) + uint32(offset)*a.frameBytes
	end := a.writeOffset(r)
	if pos >= end {
		if r == a.writeIdx() {
			return nil, 0
		}
		pos -= end
		r = (r + 1) & (NumBuffers - 1)
		pos += a.readOffset(r)
		end = a.writeOffset(r)
		if pos >= end {
			return nil, 0
		}
	}
	return a.buf(r)[pos:end], int((end - pos) / a.frameBytes)
}

// AdvanceRead marks frames as consumed. The reader never moves past the
// writer's committed offset.
func (a *Area) AdvanceRead(frames int) {
	if frames <= 0 {
		return
	}
	h := a.hdr
	r := a.settle()
	pos := a.readOffset(r) + uint32(frames)*a.frameBytes
	end := a.writeOffset(r)
	if pos < end {
		atomic.StoreUint32(&h.readOffset[r], pos)
		return
	}

	remainder := pos - end
	atomic.StoreUint32(&h.readOffset[r], end)
	if r == a.writeIdx() {
		return
	}
	r = (r + 1) & (NumBuffers - 1)
	atomic.StoreUint32(&h.readBufIdx, r)
	if remainder > 0 {
		next := a.readOffset(r) + remainder
		if wo := a.writeOffset(r); next > wo {
			next = wo
		}
		atomic.StoreUint32(&h.readOffset[r], next)
	}
}

// Read copies up to len(p) bytes of whole frames out of the area and
// consumes them. It returns the frames read.
func (a *Area) Read(p []byte) int {
	total := 0
	for len(p) >= int(a.frameBytes) {
		region, frames := a.ReadableRegion(0)
		if frames == 0 {
			break
		}
		n := copy(p, region[:frames*int(a.frameBytes)]) / int(a.frameBytes)
		if n == 0 {
			break
		}
		a.AdvanceRead(n)
		p = p[n*int(a.frameBytes):]
		total += n
	}
	return total
}

// FramesQueued is the number of committed frames not yet read, over both
// sub-buffers
func (a *Area) FramesQueued() int {
	var total uint32
	for i := uint32(0); i < NumBuffers; i++ {
		ro, wo := a.readOffset(i), a.writeOffset(i)
		if wo > ro {
			total += wo - ro
		}
	}
	return int(total / a.frameBytes)
}

// Overruns is the number of sub-buffers dropped because the reader fell behind
func (a *Area) Overruns() uint32 {
	return atomic.LoadUint32(&a.hdr.numOverruns)
}

// ReadIndex and WriteIndex report the active sub-buffers
func (a *Area) ReadIndex() int  { return int(a.readIdx()) }
func (a *Area) WriteIndex() int { return int(a.writeIdx()) }

// ReadOffset and WriteOffset report the byte offsets of sub-buffer idx
func (a *Area) ReadOffset(idx int) int  { return int(a.readOffset(uint32(idx) & (NumBuffers - 1))) }
func (a *Area) WriteOffset(idx int) int { return int(a.writeOffset(uint32(idx) & (NumBuffers - 1))) }

// SetCallbackPending marks that the server asked the client for audio and
// has not yet seen it answered
func (a *Area) SetCallbackPending(pending bool) {
	var v uint32
	if pending {
		v = 1
	}
	atomic.StoreUint32(&a.hdr.callbackPending, v)
}

func (a *Area) CallbackPending() bool {
	return atomic.LoadUint32(&a.hdr.callbackPending) != 0
}

// SetVolumeScaler sets the software gain applied when mixing, clamped to [0, 1]
func (a *Area) SetVolumeScaler(v float32) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	atomic.StoreUint32(&a.hdr.volumeScaler, math.Float32bits(v))
}

func (a *Area) VolumeScaler() float32 {
	return math.Float32frombits(atomic.LoadUint32(&a.hdr.volumeScaler))
}

func (a *Area) SetMute(mute bool) {
	var v uint32
	if mute {
		v = 1
	}
	atomic.StoreUint32(&a.hdr.mute, v)
}

func (a *Area) Mute() bool {
	return atomic.LoadUint32(&a.hdr.mute) != 0
}

// SetTimestamp records when the most recent frames hit or left the hardware
func (a *Area) SetTimestamp(t time.Time) {
	atomic.StoreUint32(&a.hdr.tsSec, uint32(t.Unix()))
	atomic.StoreUint32(&a.hdr.tsNsec, uint32(t.Nanosecond()))
}

func (a *Area) Timestamp() time.Time {
	return time.Unix(int64(atomic.LoadUint32(&a.hdr.tsSec)), int64(atomic.LoadUint32(&a.hdr.tsNsec)))
}

// Close releases the mapping. Heap areas only mark themselves closed.
func (a *Area) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	if a.unmap != nil {
		return a.unmap(a.mem)
	}
	return nil
}
