package rtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// RTPMicrophone reads Opus RTP from a local UDP socket (e.g. fed by
// ffmpeg or gstreamer) and exposes it as a local track. Acquire fails with
// ErrPermission when the socket cannot be bound, which is the closest
// analogue of a denied capture device for a headless client.
type RTPMicrophone struct {
	ListenAddr string
}

// Acquire binds the capture socket and starts forwarding packets.
func (m *RTPMicrophone) Acquire(ctx context.Context) (AudioSource, error) {
	addr, err := net.ResolveUDPAddr("udp", m.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicecast-mic",
	)
	if err != nil {
		conn.Close()
		return nil, err
	}

	src := &rtpSource{conn: conn, track: track, done: make(chan struct{})}
	go src.pump()
	return src, nil
}

type rtpSource struct {
	conn  *net.UDPConn
	track *webrtc.TrackLocalStaticRTP

	mu    sync.Mutex
	muted bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *rtpSource) Track() webrtc.TrackLocal { return s.track }

func (s *rtpSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *rtpSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close releases the capture socket synchronously.
func (s *rtpSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

func (s *rtpSource) pump() {
	l := pkglog.L().With().Str(pkglog.FieldComponent, "rtp_microphone").Logger()
	buf := make([]byte, 1500)
	var pkt rtp.Packet

	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				l.Error().Err(err).Msg("capture socket read failed")
			}
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.Debug().Err(err).Msg("dropping malformed rtp packet")
			continue
		}

		if s.Muted() {
			continue
		}

		if err := s.track.WriteRTP(&pkt); err != nil {
			l.Debug().Err(err).Msg("track write failed")
		}
	}
}

// StaticMicrophone produces Opus silence frames. It stands in for a real
// capture device in tests and local development.
type StaticMicrophone struct{}

// opusSilence is a canonical Opus comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Acquire starts the silence generator.
func (m *StaticMicrophone) Acquire(ctx context.Context) (AudioSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicecast-static",
	)
	if err != nil {
		return nil, err
	}

	src := &staticSource{track: track, done: make(chan struct{})}
	go src.pump()
	return src, nil
}

type staticSource struct {
	track *webrtc.TrackLocalStaticSample

	mu    sync.Mutex
	muted bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *staticSource) Track() webrtc.TrackLocal { return s.track }

func (s *staticSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *staticSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *staticSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *staticSource) pump() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.Muted() {
				continue
			}
			s.track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}
