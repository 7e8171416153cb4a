// ABOUTME: Diagnostic snapshots of an audio thread
// ABOUTME: Used by the status UI and the devices listing
package engine

import (
	"github.com/google/uuid"

	"github.com/Resonate-Protocol/resonated/internal/stream"
)

// StreamInfo describes one attached stream
type StreamInfo struct {
	ID              uuid.UUID
	ClientID        string
	CbThreshold     int
	FramesQueued    int
	Underruns       uint32
	Overruns        uint32
	AudioRequests   uint64
	FramesDelivered uint64
	Draining        bool
}

// Snapshot is the state of a thread between two passes
type Snapshot struct {
	Device      string
	Index       int
	Direction   stream.Direction
	State       State
	Format      string
	BufferSize  int
	UsedSize    int
	CbThreshold int
	Underruns   uint32
	Correction  int
	Streams     []StreamInfo
}

func (t *Thread) snapshot() Snapshot {
	snap := Snapshot{
		Device:      t.dev.Name(),
		Index:       t.dev.Index(),
		Direction:   t.dev.Direction(),
		State:       t.state,
		BufferSize:  t.dev.BufferSize(),
		UsedSize:    t.dev.UsedSize(),
		CbThreshold: t.dev.CbThreshold(),
		Underruns:   t.dev.Underruns(),
		Correction:  t.correction,
	}
	if f := t.dev.Format(); f != nil {
		snap.Format = f.String()
	}
	for _, s := range t.dev.Streams() {
		// A draining stream's buffer may already be unmapped by its owner.
		if s == t.draining {
			snap.Streams = append(snap.Streams, StreamInfo{
				ID:       s.ID(),
				ClientID: s.ClientID(),
				Draining: true,
			})
			continue
		}
		snap.Streams = append(snap.Streams, StreamInfo{
			ID:              s.ID(),
			ClientID:        s.ClientID(),
			CbThreshold:     s.CbThreshold(),
			FramesQueued:    s.FramesQueued(),
			Underruns:       s.Underruns(),
			Overruns:        s.Overruns(),
			AudioRequests:   s.AudioRequests(),
			FramesDelivered: s.FramesDelivered(),
		})
	}
	return snap
}
