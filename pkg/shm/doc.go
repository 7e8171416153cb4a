// Package shm implements the shared audio buffer exchanged between the server
// and one client stream.
//
// An area is a fixed HeaderSize-byte header followed by two sub-buffers of
// UsedSize bytes. The writer fills one sub-buffer while the reader drains the
// other; offsets are byte counters within a sub-buffer and reset when the
// sub-buffer is reused. Both peers map the same bytes, so the header layout is
// a compatibility contract guarded by LayoutVersion. Fields are stored in
// native byte order, which is little-endian on every supported target.
//
// The writer owns the write offsets, the write index and the overrun counter;
// the reader owns the read offsets and the read index. When the writer
// reclaims a sub-buffer the reader has not finished, it counts an overrun and
// moves the reader to the newest data, so latency stays bounded to one
// sub-buffer at the cost of dropping the oldest audio.
package shm
