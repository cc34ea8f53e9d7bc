//go:build linux && cgo

package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"pairchat-backend/internal/domain"
	"pairchat-backend/pkg/errors"
	"pairchat-backend/pkg/logger"
)

// DeviceAcquirer captures real microphone/camera media via pion/mediadevices
// (V4L2 + malgo). Each captured track is re-read through an encoded reader
// and pumped into the stream's local track.
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceAcquirer builds the VP8+Opus codec selector used for capture.
func NewDeviceAcquirer() (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, errors.DeviceUnavailableError(err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.DeviceUnavailableError(err)
	}

	return &DeviceAcquirer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

var _ Acquirer = (*DeviceAcquirer)(nil)

// Acquire captures microphone (and camera for video calls). There is no
// degraded mode: if either requested device cannot be opened the whole
// acquisition fails and the call attempt aborts.
func (a *DeviceAcquirer) Acquire(_ context.Context, callType domain.CallType) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if callType == domain.CallTypeVideo {
		constraints.Video = videoConstraints
	}

	captured, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		// V4L2/malgo have no user permission prompt; every failure here is
		// a missing or busy device.
		return nil, errors.DeviceUnavailableError(err)
	}

	streamID := uuid.NewString()
	var audio, video *Track
	fail := func(err error) (*Stream, error) {
		if audio != nil {
			_ = audio.Close()
		}
		if video != nil {
			_ = video.Close()
		}
		for _, t := range captured.GetTracks() {
			_ = t.Close()
		}
		return nil, err
	}

	for _, captureTrack := range captured.GetTracks() {
		switch captureTrack.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio, err = newDeviceTrack(TrackKindAudio, streamID, captureTrack, webrtc.MimeTypeOpus)
		case webrtc.RTPCodecTypeVideo:
			video, err = newDeviceTrack(TrackKindVideo, streamID, captureTrack, webrtc.MimeTypeVP8)
		default:
			continue
		}
		if err != nil {
			return fail(errors.DeviceUnavailableError(err))
		}
	}
	if audio == nil {
		return fail(errors.DeviceUnavailableError(errors.New(errors.ErrCodeDeviceUnavailable, "no audio capture track")))
	}
	if callType == domain.CallTypeVideo && video == nil {
		return fail(errors.DeviceUnavailableError(errors.New(errors.ErrCodeDeviceUnavailable, "no video capture track")))
	}

	return NewStream(streamID, audio, video, FacingUser), nil
}

// SwitchVideoSource re-acquires the camera and swaps the fresh track into
// the stream. Headless Linux boxes usually expose a single V4L2 camera, so
// "front/back" reduces to re-opening the capture device; on hosts with
// several cameras the driver's first enumeration wins.
func (a *DeviceAcquirer) SwitchVideoSource(_ context.Context, s *Stream) (*Track, error) {
	if s.VideoTrack() == nil {
		return nil, nil
	}
	facing := s.Facing().flip()

	captured, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: a.selector,
		Video: videoConstraints,
	})
	if err != nil {
		return nil, errors.DeviceUnavailableError(err)
	}

	for _, captureTrack := range captured.GetTracks() {
		if captureTrack.Kind() != webrtc.RTPCodecTypeVideo {
			_ = captureTrack.Close()
			continue
		}
		track, err := newDeviceTrack(TrackKindVideo, s.ID(), captureTrack, webrtc.MimeTypeVP8)
		if err != nil {
			_ = captureTrack.Close()
			return nil, errors.DeviceUnavailableError(err)
		}
		s.swapVideo(track, facing)
		return track, nil
	}

	return nil, errors.DeviceUnavailableError(errors.New(errors.ErrCodeDeviceUnavailable, "no video capture track"))
}

// videoConstraints excludes MJPEG (malformed frames from some cameras poison
// the VP8 encoder) and caps resolution to keep encoding latency down.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

func newDeviceTrack(kind TrackKind, streamID string, capture mediadevices.Track, mimeType string) (*Track, error) {
	reader, err := capture.NewEncodedReader(mimeType)
	if err != nil {
		logger.Warn("encoded reader unavailable for capture track",
			zap.String("kind", string(kind)), zap.Error(err))
		return nil, err
	}
	source := &deviceSource{
		reader:   reader,
		capture:  capture,
		fallback: audioFrameInterval,
	}
	if kind == TrackKindVideo {
		source.fallback = videoFrameInterval
	}
	return NewTrack(kind, capture.ID(), streamID, source)
}

// deviceSource adapts a mediadevices encoded reader to Source. Sample
// duration is measured from the inter-frame gap; the first frame uses the
// nominal interval.
type deviceSource struct {
	reader   mediadevices.EncodedReadCloser
	capture  mediadevices.Track
	last     time.Time
	fallback time.Duration
}

func (s *deviceSource) ReadSample() (media.Sample, error) {
	buf, release, err := s.reader.Read()
	if err != nil {
		return media.Sample{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)

	now := time.Now()
	duration := s.fallback
	if !s.last.IsZero() {
		duration = now.Sub(s.last)
	}
	s.last = now

	return media.Sample{Data: data, Duration: duration}, nil
}

func (s *deviceSource) Close() error {
	err := s.reader.Close()
	if cerr := s.capture.Close(); err == nil {
		err = cerr
	}
	return err
}
