// SPDX-License-Identifier: MPL-2.0

package sipengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/mirkobertone/softphone/audio"
)

var webrtcConfig = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	},
}

var webrtcAPI *webrtc.API

func init() {
	webrtcMedia := webrtc.MediaEngine{}
	if err := webrtcMedia.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		panic(err)
	}
	if err := webrtcMedia.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		panic(err)
	}

	settEng := webrtc.SettingEngine{}
	webrtcAPI = webrtc.NewAPI(
		webrtc.WithMediaEngine(&webrtcMedia),
		webrtc.WithSettingEngine(settEng),
	)
}

// trackReader adapts a remote webrtc track to the audio.Source contract.
type trackReader struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (r *trackReader) ReadRTP(buf []byte, p *rtp.Packet) error {
	n, _, err := r.track.Read(buf)
	if err != nil {
		return err
	}
	return p.Unmarshal(buf[:n])
}

// mediaPeer wraps one RTCPeerConnection carrying a single audio track each
// way. It produces and consumes session descriptions for the SDP
// offer/answer exchange of the SIP dialog.
type mediaPeer struct {
	log  zerolog.Logger
	pc   *webrtc.PeerConnection
	send *webrtc.TrackLocalStaticRTP

	remoteCh chan *trackReader
}

func newMediaPeer(log zerolog.Logger) (*mediaPeer, error) {
	pc, err := webrtcAPI.NewPeerConnection(webrtcConfig)
	if err != nil {
		return nil, err
	}

	p := &mediaPeer{
		log:      log.With().Str("caller", "MediaPeer").Logger(),
		pc:       pc,
		remoteCh: make(chan *trackReader, 1),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE connection state changed")
		if state == webrtc.ICEConnectionStateFailed {
			if closeErr := pc.Close(); closeErr != nil {
				p.log.Warn().Err(closeErr).Msg("Closing failed peer returned error")
			}
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		select {
		case p.remoteCh <- &trackReader{track: remote, receiver: receiver}:
		default:
			p.log.Warn().Msg("Dropping extra remote track")
		}
	})

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU}, "audio", "softphone-"+uuid.NewString()[:8],
	)
	if err != nil {
		pc.Close()
		return nil, err
	}
	p.send = track

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, err
	}

	// Pion requires draining sender RTCP for interceptors to run.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			n, _, rtcpErr := sender.Read(rtcpBuf)
			if rtcpErr != nil {
				return
			}
			if _, err := rtcp.Unmarshal(rtcpBuf[:n]); err != nil {
				p.log.Debug().Err(err).Msg("Failed to unmarshal RTCP")
			}
		}
	}()

	return p, nil
}

// createOffer produces the local SDP offer with ICE gathering completed, so
// the body is usable in a non trickle SIP exchange.
func (p *mediaPeer) createOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *mediaPeer) acceptAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// answer consumes a remote offer and produces the gathered local answer.
func (p *mediaPeer) answer(ctx context.Context, offerSDP string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return p.pc.LocalDescription().SDP, nil
}

// remoteSource blocks until the remote audio track arrives, then returns it
// as an audio.Source together with its negotiated payload type.
func (p *mediaPeer) remoteSource(ctx context.Context) (audio.Source, uint8, error) {
	var reader *trackReader
	select {
	case reader = <-p.remoteCh:
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("waiting remote track: %w", ctx.Err())
	}

	switch mt := reader.track.Codec().MimeType; mt {
	case webrtc.MimeTypePCMU:
		return reader, audio.PayloadTypeUlaw, nil
	case webrtc.MimeTypePCMA:
		return reader, audio.PayloadTypeAlaw, nil
	default:
		return nil, 0, fmt.Errorf("remote track codec %q not supported", mt)
	}
}

func (p *mediaPeer) close() {
	if err := p.pc.Close(); err != nil {
		p.log.Debug().Err(err).Msg("Peer close returned error")
	}
}

// remoteSourceTimeout bounds how long a confirmed call waits for media
// before giving up on the audio path.
const remoteSourceTimeout = 10 * time.Second
