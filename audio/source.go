// SPDX-License-Identifier: MPL-2.0

package audio

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	// RTP payload types carried by the webrtc audio track.
	PayloadTypeUlaw = 0
	PayloadTypeAlaw = 8
)

// Source delivers RTP packets of the remote audio leg. The engine hands one
// to the controller when the peer connection reports its remote track.
type Source interface {
	ReadRTP(buf []byte, p *rtp.Packet) error
}

// NewPCMDecoder returns the payload decoder for the given RTP payload type.
// Decoded output is 16bit LPCM.
func NewPCMDecoder(payloadType uint8) (func(encoded []byte) []byte, error) {
	switch payloadType {
	case PayloadTypeUlaw:
		return g711.DecodeUlaw, nil
	case PayloadTypeAlaw:
		return g711.DecodeAlaw, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %d", payloadType)
	}
}
