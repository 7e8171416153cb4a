// ABOUTME: Tests for device lifecycle, thresholds, buffer windows and recovery
// ABOUTME: Uses an in-memory fake Handle
package iodev

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

func TestAppendStreamOpensAndRemoveCloses(t *testing.T) {
	d, h := newTestDevice(t, stream.Output)
	s1 := newTestStream(t, stream.Output, 2, 480)
	s2 := newTestStream(t, stream.Output, 2, 96)

	require.NoError(t, d.AppendStream(s1))
	assert.True(t, d.IsOpen())
	assert.Equal(t, 1, h.opens)
	assert.Equal(t, 480, d.CbThreshold())

	require.NoError(t, d.AppendStream(s2))
	assert.Equal(t, 1, h.opens, "second stream reuses the open device")
	assert.Equal(t, 96, d.CbThreshold())
	assert.Equal(t, []*stream.Stream{s1, s2}, d.Streams())

	require.NoError(t, d.RemoveStream(s2))
	assert.Equal(t, 480, d.CbThreshold())
	assert.True(t, d.IsOpen())

	require.NoError(t, d.RemoveStream(s1))
	assert.False(t, d.IsOpen())
	assert.Equal(t, 1, h.closes)

	assert.ErrorIs(t, d.RemoveStream(s1), ErrStreamNotAttached)
}

func TestCaptureDeviceBusy(t *testing.T) {
	d, _ := newTestDevice(t, stream.Input)
	first := newTestStream(t, stream.Input, 2, 480)
	second := newTestStream(t, stream.Input, 2, 480)

	require.NoError(t, d.AppendStream(first))
	assert.ErrorIs(t, d.AppendStream(second), ErrBusy)
	assert.Equal(t, []*stream.Stream{first}, d.Streams())
	assert.True(t, d.IsOpen())
}

func TestAppendStreamChecks(t *testing.T) {
	d, _ := newTestDevice(t, stream.Output)

	assert.ErrorIs(t, d.AppendStream(newTestStream(t, stream.Input, 2, 480)), ErrWrongDirection)

	require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
	assert.ErrorIs(t, d.AppendStream(newTestStream(t, stream.Output, 1, 480)), ErrFormatMismatch)
}

func TestOpenErrors(t *testing.T) {
	d, h := newTestDevice(t, stream.Output)

	assert.ErrorIs(t, d.Open(nil), ErrNilFormat)

	f := audio.NewFormat(audio.FormatS16LE, 22050, 2)
	assert.ErrorIs(t, d.Open(&f), ErrUnsupportedFormat)

	f = audio.NewFormat(audio.FormatS16LE, 48000, 4)
	assert.ErrorIs(t, d.Open(&f), ErrUnsupportedFormat)
	assert.False(t, d.IsOpen())
	assert.Equal(t, 0, h.opens)
}

func TestOpenRoundsBufferToEvenFrames(t *testing.T) {
	d, h := newTestDevice(t, stream.Output)
	h.buffer = 1023
	d.cfg.UsedFrames = 480

	f := audio.NewFormat(audio.FormatS16LE, 48000, 2)
	require.NoError(t, d.Open(&f))
	assert.Equal(t, 1022, d.BufferSize())
	assert.Equal(t, 480, d.UsedSize())
	assert.Equal(t, f, h.hw.Format)
	assert.Equal(t, 0, h.starts, "playback starts on first commit")
}

func TestCloseWithStreams(t *testing.T) {
	d, _ := newTestDevice(t, stream.Output)
	require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
	assert.ErrorIs(t, d.Close(), ErrStreamsAttached)

	closed, _ := newTestDevice(t, stream.Output)
	assert.NoError(t, closed.Close())
	assert.NoError(t, closed.Close())
}

func TestFramesQueuedClamps(t *testing.T) {
	tests := []struct {
		name  string
		dir   stream.Direction
		avail int
		want  int
	}{
		{"output empty", stream.Output, 1024, 0},
		{"output avail beyond buffer", stream.Output, 5000, 0},
		{"output negative avail", stream.Output, -10, 1024},
		{"output partly full", stream.Output, 1000, 24},
		{"input beyond buffer", stream.Input, 5000, 1024},
		{"input negative", stream.Input, -3, 0},
		{"input some", stream.Input, 484, 484},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, h := newTestDevice(t, tt.dir)
			require.NoError(t, d.AppendStream(newTestStream(t, tt.dir, 2, 480)))
			h.avail = tt.avail

			got, err := d.FramesQueued()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFramesQueuedXrunResumes(t *testing.T) {
	d, h := newTestDevice(t, stream.Input)
	require.NoError(t, d.AppendStream(newTestStream(t, stream.Input, 2, 480)))
	h.availErr = ErrXrun

	got, err := d.FramesQueued()
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	assert.Equal(t, 1, h.resumes)

	h.availErr = errors.New("boom")
	_, err = d.FramesQueued()
	assert.Error(t, err)
}

func TestDelayFramesClamps(t *testing.T) {
	d, h := newTestDevice(t, stream.Output)
	_, err := d.DelayFrames()
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
	h.delay = 99999
	got, err := d.DelayFrames()
	require.NoError(t, err)
	assert.Equal(t, 1024, got)

	h.delay = -4
	got, err = d.DelayFrames()
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestGetBufferZeroFrames(t *testing.T) {
	out, h := newTestDevice(t, stream.Output)
	require.NoError(t, out.AppendStream(newTestStream(t, stream.Output, 2, 480)))
	h.beginN = 0
	_, _, err := out.GetBuffer(480)
	assert.ErrorIs(t, err, ErrIO)

	in, h := newTestDevice(t, stream.Input)
	require.NoError(t, in.AppendStream(newTestStream(t, stream.Input, 2, 480)))
	h.beginN = 0
	buf, n, err := in.GetBuffer(480)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, buf)
}

func TestGetBufferRetries(t *testing.T) {
	t.Run("recovered", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
		h.beginErrs = []error{ErrXrun, ErrXrun}

		buf, n, err := d.GetBuffer(100)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Len(t, buf, 400)
		assert.Equal(t, uint32(2), d.Underruns())
		assert.Equal(t, 2, h.recovers)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
		h.beginErrs = []error{ErrXrun, ErrXrun, ErrXrun, nil}

		_, _, err := d.GetBuffer(100)
		assert.ErrorIs(t, err, ErrIO)
		assert.Equal(t, uint32(MaxMmapBeginAttempts), d.Underruns())
	})

	t.Run("recover fails", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
		h.beginErrs = []error{ErrXrun}
		h.recoverErr = errors.New("unrecoverable")

		_, _, err := d.GetBuffer(100)
		assert.ErrorIs(t, err, ErrXrun)
		assert.Equal(t, uint32(1), d.Underruns())
	})

	t.Run("suspended", func(t *testing.T) {
		slept := stubSleep(t)
		d, h := newTestDevice(t, stream.Output)
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
		h.beginErrs = []error{ErrSuspended}
		h.resumeErrs = []error{ErrAgain, ErrAgain, nil}

		_, n, err := d.GetBuffer(100)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Equal(t, 3, h.resumes)
		assert.Equal(t, []time.Duration{ResumePollInterval, ResumePollInterval}, *slept)
		assert.Equal(t, uint32(0), d.Underruns(), "suspend is not an underrun")
	})
}

func TestPutBuffer(t *testing.T) {
	d, h := newTestDevice(t, stream.Output)
	require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))

	require.NoError(t, d.PutBuffer(100))
	assert.Equal(t, 1, h.starts)
	require.NoError(t, d.PutBuffer(100))
	assert.Equal(t, 1, h.starts)

	h.commitErr = ErrXrun
	require.NoError(t, d.PutBuffer(100))
	assert.Equal(t, uint32(1), d.Underruns())

	h.recoverErr = errors.New("gone")
	assert.Error(t, d.PutBuffer(100))
}

func TestAttemptResumeFallsBackToPrepare(t *testing.T) {
	stubSleep(t)
	h := newFakeHandle()
	h.resumeErrs = []error{ErrAgain, errors.New("no resume")}

	require.NoError(t, AttemptResume(h))
	assert.Equal(t, 2, h.resumes)
	assert.Equal(t, 1, h.prepares)
}

func TestOpenWithRetry(t *testing.T) {
	tests := []struct {
		name    string
		results []error
		calls   int
		sleeps  int
		wantErr error
	}{
		{"first try", []error{nil}, 1, 0, nil},
		{"busy then ok", []error{ErrBusyDevice, ErrBusyDevice, nil}, 3, 2, nil},
		{"always busy", []error{ErrBusyDevice, ErrBusyDevice, ErrBusyDevice}, 3, 2, ErrBusyDevice},
		{"other error", []error{errors.New("nope")}, 1, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slept := stubSleep(t)
			calls := 0
			err := OpenWithRetry(func() error {
				err := tt.results[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.calls, calls)
			assert.Len(t, *slept, tt.sleeps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			for _, d := range *slept {
				assert.Equal(t, OpenRetryDelay, d)
			}
		})
	}
}

func surroundPositions(chs ...audio.Channel) []chmap.Position {
	out := make([]chmap.Position, len(chs))
	for i, ch := range chs {
		out[i] = chmap.PosFromChannel(ch)
	}
	return out
}

func TestChannelMapOutput(t *testing.T) {
	t.Run("free order is written in layout order", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		h.maps = []*chmap.Map{{Type: chmap.TypeVar, Positions: surroundPositions(
			audio.ChFL, audio.ChFR, audio.ChFC, audio.ChLFE, audio.ChRL, audio.ChRR)}}

		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 6, 480)))
		require.NotNil(t, h.setMap)
		assert.Equal(t, surroundPositions(
			audio.ChFL, audio.ChFR, audio.ChRL, audio.ChRR, audio.ChFC, audio.ChLFE), h.setMap.Positions)
	})

	t.Run("no maps degrades to native order", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 6, 480)))
		assert.True(t, d.IsOpen())
		assert.Nil(t, h.setMap)
	})

	t.Run("stereo skips negotiation", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		h.mapsErr = errors.New("must not be queried")
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
		assert.Nil(t, h.setMap)
	})
}

func TestChannelMapCapture(t *testing.T) {
	t.Run("no maps fails the open", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Input)
		err := d.AppendStream(newTestStream(t, stream.Input, 6, 480))
		assert.ErrorIs(t, err, chmap.ErrNoChannelMaps)
		assert.False(t, d.IsOpen())
		assert.Empty(t, d.Streams())
		assert.Equal(t, 1, h.closes)
	})

	t.Run("best effort reads layout back", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Input)
		h.maps = []*chmap.Map{{Type: chmap.TypeFixed, Positions: surroundPositions(
			audio.ChFR, audio.ChFL, audio.ChRL, audio.ChRR, audio.ChFC, audio.ChLFE)}}

		require.NoError(t, d.AppendStream(newTestStream(t, stream.Input, 6, 480)))
		require.NotNil(t, d.ConvMatrix())
		assert.Equal(t, 1, d.HWFormat().Layout[audio.ChFL])
		assert.Equal(t, 0, d.HWFormat().Layout[audio.ChFR])
		assert.Equal(t, 0, d.Format().Layout[audio.ChFL])
	})
}

func TestChannelMapDirectCalls(t *testing.T) {
	t.Run("closed device", func(t *testing.T) {
		d, _ := newTestDevice(t, stream.Output)
		assert.ErrorIs(t, d.SetChannelMap(), ErrNotOpen)
	})

	t.Run("wrong direction", func(t *testing.T) {
		out, _ := newTestDevice(t, stream.Output)
		in, _ := newTestDevice(t, stream.Input)
		assert.ErrorIs(t, out.GetChannelMap(), ErrWrongDirection)
		assert.ErrorIs(t, in.SetChannelMap(), ErrWrongDirection)
	})

	t.Run("set rewrites the playback map", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Output)
		h.maps = []*chmap.Map{{Type: chmap.TypeVar, Positions: surroundPositions(
			audio.ChFL, audio.ChFR, audio.ChFC, audio.ChLFE, audio.ChRL, audio.ChRR)}}
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 6, 480)))

		h.setMap = nil
		require.NoError(t, d.SetChannelMap())
		require.NotNil(t, h.setMap)
		assert.Len(t, h.setMap.Positions, 6)
	})

	t.Run("get on exact capture map keeps the format", func(t *testing.T) {
		d, h := newTestDevice(t, stream.Input)
		h.maps = []*chmap.Map{{Type: chmap.TypeFixed, Positions: surroundPositions(
			audio.ChFL, audio.ChFR, audio.ChRL, audio.ChRR, audio.ChFC, audio.ChLFE)}}
		require.NoError(t, d.AppendStream(newTestStream(t, stream.Input, 6, 480)))

		require.NoError(t, d.GetChannelMap())
		assert.Nil(t, d.ConvMatrix())
		assert.Equal(t, d.Format(), d.HWFormat())
	})
}

func TestBestFormat(t *testing.T) {
	d, _ := newTestDevice(t, stream.Output)

	got := d.BestFormat(audio.NewFormat(audio.FormatS16LE, 44000, 4))
	assert.Equal(t, 44100, got.Rate)
	assert.Contains(t, []int{2, 6}, got.Channels)
	assert.NoError(t, got.Validate())

	require.NoError(t, d.AppendStream(newTestStream(t, stream.Output, 2, 480)))
	got = d.BestFormat(audio.NewFormat(audio.FormatS16LE, 44100, 1))
	assert.Equal(t, 48000, got.Rate)
	assert.Equal(t, 2, got.Channels)
}

func TestNodes(t *testing.T) {
	d, _ := newTestDevice(t, stream.Output)

	require.NoError(t, d.AddNode(Node{Index: 0, Name: "Speaker", Type: NodeSpeaker}))
	require.NoError(t, d.AddNode(Node{Index: 1, Name: "Headphone", Type: NodeHeadphone}))
	assert.ErrorIs(t, d.AddNode(Node{Index: 1}), ErrNodeExists)

	active, ok := d.ActiveNode()
	require.True(t, ok)
	assert.Equal(t, 0, active.Index)

	require.NoError(t, d.SetActiveNode(1))
	assert.ErrorIs(t, d.SetActiveNode(7), ErrUnknownNode)
	require.NoError(t, d.SetNodeVolume(1, 140))
	active, _ = d.ActiveNode()
	assert.Equal(t, "Headphone", active.Name)
	assert.Equal(t, 100, active.Volume)

	require.NoError(t, d.RemoveNode(1))
	active, ok = d.ActiveNode()
	require.True(t, ok)
	assert.Equal(t, 0, active.Index)

	require.NoError(t, d.RemoveNode(0))
	_, ok = d.ActiveNode()
	assert.False(t, ok)
	assert.Empty(t, d.Nodes())
}

type volumeHandle struct {
	*fakeHandle
	volume int
}

func (v *volumeHandle) SetVolume(volume int) { v.volume = volume }

func TestNodeVolumeReachesBackend(t *testing.T) {
	h := &volumeHandle{fakeHandle: newFakeHandle()}
	d, err := New(Config{Name: "vol", Direction: stream.Output}, h)
	require.NoError(t, err)

	require.NoError(t, d.AddNode(Node{Index: 0, Name: "Speaker", Volume: 80}))
	require.NoError(t, d.AddNode(Node{Index: 1, Name: "Headphone", Volume: 30}))

	require.NoError(t, d.SetNodeVolume(0, 60))
	assert.Equal(t, 60, h.volume)
	require.NoError(t, d.SetNodeVolume(1, 20))
	assert.Equal(t, 60, h.volume, "inactive node volume is stored only")

	require.NoError(t, d.SetActiveNode(1))
	assert.Equal(t, 20, h.volume)
}
