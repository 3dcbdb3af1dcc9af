// SPDX-License-Identifier: MPL-2.0

package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

// WavRecorder captures the remote leg as 8kHz 16bit mono PCM WAV. Plug it in
// as the Output destination to record a call. Close finalizes the headers.
type WavRecorder struct {
	enc *wav.Encoder
}

func NewWavRecorder(w io.WriteSeeker) *WavRecorder {
	return &WavRecorder{
		// audio format 1 is plain PCM
		enc: wav.NewEncoder(w, 8000, 16, 1, 1),
	}
}

// Write expects little endian 16bit LPCM as produced by the PCM decoders.
func (r *WavRecorder) Write(lpcm []byte) (int, error) {
	samples := make([]int, len(lpcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(lpcm[i*2:])))
	}

	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return 0, err
	}
	return len(samples) * 2, nil
}

func (r *WavRecorder) Close() error {
	return r.enc.Close()
}

// WavInfo is the decoded fmt chunk of a WAV stream.
type WavInfo struct {
	SampleRate  int
	BitDepth    int
	NumChannels int
}

// ReadWavInfo parses the stream headers up to the fmt chunk.
func ReadWavInfo(r io.Reader) (*WavInfo, error) {
	parser := riff.New(r)
	if err := parser.ParseHeaders(); err != nil {
		return nil, err
	}

	for {
		chunk, err := parser.NextChunk()
		if err != nil {
			return nil, err
		}
		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		if err := chunk.DecodeWavHeader(parser); err != nil {
			return nil, err
		}
		return &WavInfo{
			SampleRate:  int(parser.SampleRate),
			BitDepth:    int(parser.BitsPerSample),
			NumChannels: int(parser.NumChannels),
		}, nil
	}
}

// DurationSeconds converts a PCM byte count into whole seconds of audio.
func (w *WavInfo) DurationSeconds(dataLen int) (int, error) {
	bytesPerSec := w.SampleRate * w.NumChannels * w.BitDepth / 8
	if bytesPerSec == 0 {
		return 0, fmt.Errorf("invalid wav format")
	}
	return dataLen / bytesPerSec, nil
}
