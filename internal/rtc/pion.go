package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// PionFactory builds pion-backed negotiators for audio-only sessions.
type PionFactory struct {
	iceServers []webrtc.ICEServer
	api        *webrtc.API
}

// NewPionFactory configures a shared pion API with an Opus-only media
// engine and the default interceptor set.
func NewPionFactory(iceURLs []string) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, url := range iceURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &PionFactory{
		iceServers: servers,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
	}, nil
}

// NewNegotiator creates one peer connection.
func (f *PionFactory) NewNegotiator(ctx context.Context) (Negotiator, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	n := &pionNegotiator{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.mu.Lock()
		fn := n.onCandidate
		n.mu.Unlock()
		if fn == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.mu.Lock()
		fn := n.onState
		n.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		sink := &pionSink{}
		go sink.drain(track)

		n.mu.Lock()
		fn := n.onTrack
		n.mu.Unlock()
		if fn != nil {
			fn(sink)
		}
	})

	return n, nil
}

type pionNegotiator struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onState     func(ConnectionState)
	onTrack     func(AudioSink)
}

func (n *pionNegotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(n.pc.LocalDescription())
}

func (n *pionNegotiator) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return json.Marshal(n.pc.LocalDescription())
}

func (n *pionNegotiator) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("malformed session description: %w", err)
	}
	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (n *pionNegotiator) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("malformed ice candidate: %w", err)
	}
	return n.pc.AddICECandidate(init)
}

func (n *pionNegotiator) OnICECandidate(fn func(json.RawMessage)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) OnConnectionStateChange(fn func(ConnectionState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) OnTrack(fn func(AudioSink)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) AttachSource(src AudioSource) error {
	ts, ok := src.(TrackSource)
	if !ok {
		return fmt.Errorf("audio source %T does not expose a local track", src)
	}
	if _, err := n.pc.AddTrack(ts.Track()); err != nil {
		return fmt.Errorf("failed to attach audio track: %w", err)
	}
	return nil
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}

// TrackSource is implemented by audio sources backed by a pion local track.
type TrackSource interface {
	AudioSource
	Track() webrtc.TrackLocal
}

func mapState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	default:
		return ConnectionClosed
	}
}

// pionSink drains a remote audio track. Playout happens outside this
// process; the sink only keeps the RTP flow alive and honours local mute.
type pionSink struct {
	mu    sync.Mutex
	muted bool
}

func (s *pionSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *pionSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *pionSink) drain(track *webrtc.TrackRemote) {
	l := pkglog.L().With().Str(pkglog.FieldComponent, "audio_sink").Logger()
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if err != io.EOF {
				l.Debug().Err(err).Msg("remote track closed")
			}
			return
		}
	}
}
