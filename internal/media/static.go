package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media"

	"pairchat-backend/internal/domain"
)

// opusSilence is a single Opus DTX frame; decoders render it as silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Stub is a placeholder payload. It is not a decodable frame; the static
// acquirer exists for headless operation and tests, where nothing renders
// the video anyway.
var vp8Stub = []byte{0x10, 0x00, 0x00}

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 15
)

// StaticAcquirer produces synthetic silence/blank streams without touching
// any capture hardware. It backs tests and headless deployments.
type StaticAcquirer struct{}

// NewStaticAcquirer creates a device-free acquirer.
func NewStaticAcquirer() *StaticAcquirer { return &StaticAcquirer{} }

var _ Acquirer = (*StaticAcquirer)(nil)

// Acquire returns a stream with a silent audio track, plus a blank video
// track for video calls.
func (a *StaticAcquirer) Acquire(_ context.Context, callType domain.CallType) (*Stream, error) {
	streamID := uuid.NewString()

	audio, err := NewTrack(TrackKindAudio, uuid.NewString(), streamID, newTickerSource(opusSilence, audioFrameInterval))
	if err != nil {
		return nil, err
	}

	var video *Track
	if callType == domain.CallTypeVideo {
		video, err = NewTrack(TrackKindVideo, uuid.NewString(), streamID, newTickerSource(vp8Stub, videoFrameInterval))
		if err != nil {
			_ = audio.Close()
			return nil, err
		}
	}

	return NewStream(streamID, audio, video, FacingUser), nil
}

// SwitchVideoSource swaps in a fresh blank video track with the opposite
// facing. No-op for voice streams.
func (a *StaticAcquirer) SwitchVideoSource(_ context.Context, s *Stream) (*Track, error) {
	if s.VideoTrack() == nil {
		return nil, nil
	}

	facing := s.Facing().flip()
	track, err := NewTrack(TrackKindVideo, uuid.NewString(), s.ID(), newTickerSource(vp8Stub, videoFrameInterval))
	if err != nil {
		return nil, err
	}
	s.swapVideo(track, facing)
	return track, nil
}

// tickerSource emits a fixed payload at a fixed interval.
type tickerSource struct {
	payload  []byte
	interval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newTickerSource(payload []byte, interval time.Duration) *tickerSource {
	return &tickerSource{
		payload:  payload,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *tickerSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.done:
		return media.Sample{}, io.EOF
	case <-time.After(s.interval):
	}

	data := make([]byte, len(s.payload))
	copy(data, s.payload)
	return media.Sample{Data: data, Duration: s.interval}, nil
}

func (s *tickerSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
