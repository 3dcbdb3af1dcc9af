// SPDX-License-Identifier: MPL-2.0

package audio

import (
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output is the single shared remote audio sink. Exactly one exists per
// phone; attaching a new source replaces the previous one, detaching frees
// the destination for the next call.
type Output struct {
	mu   sync.Mutex
	dst  io.Writer
	log  zerolog.Logger
	stop chan struct{}
}

type OutputOption func(o *Output)

func WithOutputLogger(l zerolog.Logger) OutputOption {
	return func(o *Output) {
		o.log = l
	}
}

// NewOutput writes decoded LPCM to dst. A nil dst discards the audio, which
// keeps the read loop draining the track either way.
func NewOutput(dst io.Writer, opts ...OutputOption) *Output {
	if dst == nil {
		dst = io.Discard
	}
	o := &Output{
		dst: dst,
		log: log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Attach starts draining src into the destination. Any previously attached
// source is detached first.
func (o *Output) Attach(src Source, payloadType uint8) error {
	decode, err := NewPCMDecoder(payloadType)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.detach()

	stop := make(chan struct{})
	o.stop = stop
	go o.drain(src, decode, stop)
	return nil
}

// Detach stops the read loop. Safe to call when nothing is attached.
func (o *Output) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detach()
}

func (o *Output) detach() {
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
}

func (o *Output) drain(src Source, decode func([]byte) []byte, stop chan struct{}) {
	buf := make([]byte, 1600)
	p := rtp.Packet{}
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := src.ReadRTP(buf, &p); err != nil {
			o.log.Debug().Err(err).Msg("Remote audio source closed")
			return
		}
		if len(p.Payload) == 0 {
			continue
		}
		if _, err := o.dst.Write(decode(p.Payload)); err != nil {
			o.log.Warn().Err(err).Msg("Writing to audio destination failed")
			return
		}
	}
}
