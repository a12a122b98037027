package webrtcengine

import "github.com/pion/webrtc/v2"

// dataChannel adapts a *webrtc.DataChannel to capability.DataChannel,
// grounded on client/lib/webrtc.go's establishDataChannel trampolines.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}

func (d *dataChannel) OnOpen(fn func()) {
	d.dc.OnOpen(fn)
}

func (d *dataChannel) OnClose(fn func()) {
	d.dc.OnClose(fn)
}

func (d *dataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
