// Package media obtains and mutates local capture streams for calls. A
// Stream bundles up to two Tracks (microphone, camera); each Track pumps
// encoded samples from a Source into a pion local track that the peer
// connection sends from.
package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"pairchat-backend/internal/domain"
)

// TrackKind distinguishes the two capture kinds of a call.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Facing identifies which camera feeds the video track.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// flip returns the other camera facing.
func (f Facing) flip() Facing {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Source produces encoded media samples. ReadSample blocks until the next
// sample is ready and paces the track's send rate; it returns an error when
// the source is exhausted or closed.
type Source interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// Acquirer obtains local capture streams.
type Acquirer interface {
	// Acquire requests microphone capture for voice calls, or
	// microphone+camera for video calls. Fails with PERMISSION_DENIED or
	// DEVICE_UNAVAILABLE; callers surface that as a failed call instead of
	// retrying silently.
	Acquire(ctx context.Context, callType domain.CallType) (*Stream, error)

	// SwitchVideoSource toggles between front- and back-facing capture,
	// swapping a freshly acquired video track into the stream and returning
	// it so the caller can swap the outgoing transport sender as well.
	// Returns (nil, nil) when the stream has no video track.
	SwitchVideoSource(ctx context.Context, s *Stream) (*Track, error)
}

// Track is one local capture track. Disabling a track pauses its sample
// pump but keeps the track attached, so the remote side keeps receiving a
// silent/frozen stream rather than losing the track.
type Track struct {
	id      string
	kind    TrackKind
	local   *webrtc.TrackLocalStaticSample
	source  Source
	enabled atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewTrack builds a track of the given kind and starts its sample pump.
func NewTrack(kind TrackKind, id, streamID string, source Source) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, err
	}

	t := &Track{
		id:     id,
		kind:   kind,
		local:  local,
		source: source,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func codecFor(kind TrackKind) webrtc.RTPCodecCapability {
	if kind == TrackKindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// pump moves samples from the source into the local track until the source
// drains or the track is closed. The source paces the loop, so a disabled
// track still consumes (and drops) samples at the capture rate.
func (t *Track) pump() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		sample, err := t.source.ReadSample()
		if err != nil {
			return
		}
		if !t.enabled.Load() {
			continue
		}
		// WriteSample is a no-op while the track is not bound to a sender.
		_ = t.local.WriteSample(sample)
	}
}

// ID returns the track identifier.
func (t *Track) ID() string { return t.id }

// Kind returns audio or video.
func (t *Track) Kind() TrackKind { return t.kind }

// Local exposes the underlying pion track for AddTrack/ReplaceTrack.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether the track is currently feeding samples.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles the sample pump. The track stays attached either way.
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Active reports whether the track has not been closed yet.
func (t *Track) Active() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Close stops the pump and releases the source. Idempotent.
func (t *Track) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.source.Close()
	})
	return err
}

// Stream is one local capture stream: always an audio track, plus a video
// track for video calls. A stream is exclusively owned by the call session
// that acquired it.
type Stream struct {
	id string

	mu     sync.Mutex
	audio  *Track
	video  *Track
	facing Facing
	closed bool
}

// NewStream bundles acquired tracks into a stream.
func NewStream(id string, audio, video *Track, facing Facing) *Stream {
	return &Stream{id: id, audio: audio, video: video, facing: facing}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// AudioTrack returns the microphone track, or nil.
func (s *Stream) AudioTrack() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// VideoTrack returns the camera track, or nil for voice calls.
func (s *Stream) VideoTrack() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// Tracks returns the live tracks of the stream.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tracks []*Track
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// Facing returns the camera facing of the current video track.
func (s *Stream) Facing() Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// SetTrackEnabled toggles mute (audio) or camera-off (video) by disabling
// the track rather than removing it. Returns false when the stream has no
// track of that kind.
func (s *Stream) SetTrackEnabled(kind TrackKind, enabled bool) bool {
	s.mu.Lock()
	track := s.audio
	if kind == TrackKindVideo {
		track = s.video
	}
	s.mu.Unlock()

	if track == nil {
		return false
	}
	track.SetEnabled(enabled)
	return true
}

// swapVideo installs a replacement video track, closing the old one.
func (s *Stream) swapVideo(track *Track, facing Facing) {
	s.mu.Lock()
	old := s.video
	s.video = track
	s.facing = facing
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Close stops all tracks. Idempotent; safe to invoke from a hangup and a
// racing connection-failure callback.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	audio, video := s.audio, s.video
	s.mu.Unlock()

	if audio != nil {
		_ = audio.Close()
	}
	if video != nil {
		_ = video.Close()
	}
}

// Closed reports whether Close has run.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
