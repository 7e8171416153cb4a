// ABOUTME: Stream requests from clients: connect, disconnect and data ready
// ABOUTME: Each stream gets a named shared buffer and is attached to a device thread
package server

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/protocol"
	"github.com/Resonate-Protocol/resonated/internal/registry"
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

// shmName names the backing file of a stream buffer
func shmName() string {
	return "resonated-" + uuid.New().String()
}

// errorCode maps a failure to the code reported to clients
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownDevice), errors.Is(err, registry.ErrNoDevice):
		return protocol.CodeUnknownDevice
	case errors.Is(err, iodev.ErrBusy):
		return protocol.CodeBusy
	case errors.Is(err, iodev.ErrUnknownNode):
		return protocol.CodeUnknownNode
	case errors.Is(err, iodev.ErrUnsupportedFormat), errors.Is(err, iodev.ErrFormatMismatch):
		return protocol.CodeUnsupported
	case errors.Is(err, iodev.ErrWrongDirection), errors.Is(err, stream.ErrBadThreshold),
		errors.Is(err, shm.ErrBadConfig), errors.Is(err, audio.ErrBadRate),
		errors.Is(err, audio.ErrBadChannels), errors.Is(err, audio.ErrBadLayout):
		return protocol.CodeBadRequest
	}
	return protocol.CodeInternal
}

func (s *Server) handleStreamConnect(client *Client, payload interface{}) {
	var req protocol.StreamConnect
	if err := protocol.DecodePayload(payload, &req); err != nil {
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	var format audio.Format
	fail := func(err error) {
		log.Infof("%s: stream connect failed: %v", client.Name, err)
		client.sendError(protocol.Error{Code: errorCode(err), Message: err.Error(), RequestID: req.RequestID})
	}

	dir, err := stream.ParseDirection(req.Direction)
	if err == nil {
		format, err = req.Format.Audio()
	}
	if err != nil {
		log.Infof("%s: bad stream request: %v", client.Name, err)
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error(), RequestID: req.RequestID})
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	index, format, err := s.devices.Negotiate(ctx, req.DeviceIndex, dir, format)
	if err != nil {
		fail(err)
		return
	}

	cfg := stream.Config{
		ClientID:     client.ID,
		Direction:    dir,
		Format:       format,
		BufferFrames: req.BufferFrames,
		CbThreshold:  req.CbThreshold,
		MinCbLevel:   req.MinCbLevel,
	}
	area, err := shm.Create(shmName(), stream.AreaConfig(cfg))
	if err != nil {
		fail(err)
		return
	}
	st, err := stream.New(cfg, area, client)
	if err != nil {
		area.Close()
		area.Unlink()
		fail(err)
		return
	}

	cs := &clientStream{s: st, device: index}
	client.addStream(cs)
	if _, err := s.devices.AttachStream(ctx, index, st); err != nil {
		client.removeStream(st.ID().String())
		st.Close()
		fail(err)
		return
	}

	areaCfg := area.Config()
	connected := protocol.StreamConnected{
		RequestID:     req.RequestID,
		StreamID:      st.ID().String(),
		DeviceIndex:   index,
		Format:        protocol.FormatFromAudio(format),
		ShmName:       area.Name(),
		UsedSize:      areaCfg.UsedSize,
		FrameBytes:    areaCfg.FrameBytes,
		LayoutVersion: shm.LayoutVersion,
	}
	if err := client.goLive(cs, connected); err != nil {
		log.Warnf("%s: stream %s announced late: %v", client.Name, st, err)
	}
	log.Infof("%s: stream %s on device %d", client.Name, st, index)
	s.updateTUI()
}

func (s *Server) handleStreamDisconnect(client *Client, payload interface{}) {
	var req protocol.StreamDisconnect
	if err := protocol.DecodePayload(payload, &req); err != nil {
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	cs, ok := client.removeStream(req.StreamID)
	if !ok {
		client.sendError(protocol.Error{Code: protocol.CodeUnknownStream, Message: "no such stream", StreamID: req.StreamID})
		return
	}
	s.release(client, cs)
	s.updateTUI()
}

func (s *Server) handleDataReady(client *Client, payload interface{}) {
	var msg protocol.StreamFrames
	if err := protocol.DecodePayload(payload, &msg); err != nil {
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	cs, ok := client.lookup(msg.StreamID)
	if !ok {
		client.sendError(protocol.Error{Code: protocol.CodeUnknownStream, Message: "no such stream", StreamID: msg.StreamID})
		return
	}
	s.devices.Wake(cs.device)
}

// release detaches a stream from its device and frees its buffer. A
// playback stream may still be draining on the device; the thread no
// longer reads its buffer by then.
func (s *Server) release(client *Client, cs *clientStream) {
	ctx, cancel := s.requestContext()
	defer cancel()

	err := s.devices.DetachStream(ctx, cs.device, cs.s)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The thread may still be using the mapping; only drop the name.
		log.Errorf("%s: detach %s: %v", client.Name, cs.s, err)
		cs.s.Area().Unlink()
		return
	}
	if err != nil {
		log.Warnf("%s: detach %s: %v", client.Name, cs.s, err)
	}
	if err := cs.s.Close(); err != nil {
		log.Warnf("%s: close %s: %v", client.Name, cs.s, err)
	}
	log.Debugf("%s: released stream %s", client.Name, cs.s)
}

// releaseStreams frees everything a departing client still holds
func (s *Server) releaseStreams(client *Client) {
	for _, cs := range client.takeStreams() {
		s.release(client, cs)
	}
}
