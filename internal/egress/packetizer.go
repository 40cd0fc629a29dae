package egress

import (
	"math/rand"
	"time"

	"github.com/pion/rtp"
)

const rtpHeaderSize = 12

// chunkPayloader splits a payload into MTU sized pieces.
type chunkPayloader struct{}

func (chunkPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if mtu == 0 || len(payload) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(payload)+int(mtu)-1)/int(mtu))
	for len(payload) > 0 {
		n := int(mtu)
		if n > len(payload) {
			n = len(payload)
		}
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

// packetizer stamps packets with an absolute timestamp rather than the
// sample delta rtp.Packetizer expects, since relay frames carry their own
// presentation time.
type packetizer struct {
	MTU             uint16
	PayloadType     uint8
	SSRC            uint32
	Payloader       rtp.Payloader
	Sequencer       rtp.Sequencer
	TimestampOffset uint32
}

func newPacketizer(mtu uint16, pt uint8, ssrc uint32, payloader rtp.Payloader, sequencer rtp.Sequencer) *packetizer {
	src := rand.NewSource(time.Now().UnixNano())
	return &packetizer{
		MTU:             mtu,
		PayloadType:     pt,
		SSRC:            ssrc,
		Payloader:       payloader,
		Sequencer:       sequencer,
		TimestampOffset: uint32(src.Int63()),
	}
}

// Packetize returns the packets of one frame; the last has the marker bit.
func (p *packetizer) Packetize(payload []byte, ts uint32) []*rtp.Packet {
	if len(payload) == 0 {
		return nil
	}

	payloads := p.Payloader.Payload(p.MTU-rtpHeaderSize, payload)
	packets := make([]*rtp.Packet, len(payloads))
	for i, pp := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.PayloadType,
				SequenceNumber: p.Sequencer.NextSequenceNumber(),
				Timestamp:      ts + p.TimestampOffset,
				SSRC:           p.SSRC,
			},
			Payload: pp,
		}
	}
	return packets
}
