// ABOUTME: Device list and node requests
// ABOUTME: Node changes are applied through the registry and broadcast to every client
package server

import (
	"github.com/Resonate-Protocol/resonated/internal/iodev"
	"github.com/Resonate-Protocol/resonated/internal/protocol"
	"github.com/Resonate-Protocol/resonated/internal/stream"
)

// deviceList describes every registered device, outputs first
func (s *Server) deviceList() protocol.DeviceList {
	list := protocol.DeviceList{Devices: []protocol.DeviceDesc{}}
	for _, dir := range []stream.Direction{stream.Output, stream.Input} {
		for _, d := range s.devices.Devices(dir) {
			list.Devices = append(list.Devices, describeDevice(d))
		}
	}
	return list
}

func describeDevice(d *iodev.Device) protocol.DeviceDesc {
	desc := protocol.DeviceDesc{
		Index:      d.Index(),
		Name:       d.Name(),
		Direction:  d.Direction().String(),
		Rates:      d.SupportedRates(),
		Channels:   d.SupportedChannelCounts(),
		ActiveNode: -1,
		Nodes:      []protocol.NodeDesc{},
	}
	if n, ok := d.ActiveNode(); ok {
		desc.ActiveNode = n.Index
	}
	for _, n := range d.Nodes() {
		desc.Nodes = append(desc.Nodes, protocol.NodeDesc{
			Index:   n.Index,
			Name:    n.Name,
			Type:    n.Type.String(),
			Volume:  n.Volume,
			Plugged: n.Plugged,
		})
	}
	return desc
}

func (s *Server) handleNodeSelect(client *Client, payload interface{}) {
	var req protocol.NodeSelect
	if err := protocol.DecodePayload(payload, &req); err != nil {
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.devices.SelectNode(ctx, req.Device, req.Node); err != nil {
		client.sendError(protocol.Error{Code: errorCode(err), Message: err.Error()})
		return
	}
	log.Infof("%s: device %d node %d selected", client.Name, req.Device, req.Node)
	s.broadcast(protocol.TypeDevices, s.deviceList())
}

func (s *Server) handleNodeSetVolume(client *Client, payload interface{}) {
	var req protocol.NodeSetVolume
	if err := protocol.DecodePayload(payload, &req); err != nil {
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	if req.Volume < 0 || req.Volume > 100 {
		client.sendError(protocol.Error{Code: protocol.CodeBadRequest, Message: "volume must be 0..100"})
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.devices.SetNodeVolume(ctx, req.Device, req.Node, req.Volume); err != nil {
		client.sendError(protocol.Error{Code: errorCode(err), Message: err.Error()})
		return
	}
	s.broadcast(protocol.TypeDevices, s.deviceList())
}
