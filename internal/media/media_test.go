package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat-backend/internal/domain"
)

func TestStaticAcquireVoice(t *testing.T) {
	stream, err := NewStaticAcquirer().Acquire(context.Background(), domain.CallTypeVoice)
	require.NoError(t, err)
	defer stream.Close()

	require.NotNil(t, stream.AudioTrack())
	assert.Nil(t, stream.VideoTrack())
	assert.Len(t, stream.Tracks(), 1)
	assert.Equal(t, TrackKindAudio, stream.AudioTrack().Kind())
	assert.True(t, stream.AudioTrack().Enabled())
}

func TestStaticAcquireVideo(t *testing.T) {
	stream, err := NewStaticAcquirer().Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)
	defer stream.Close()

	require.NotNil(t, stream.AudioTrack())
	require.NotNil(t, stream.VideoTrack())
	assert.Len(t, stream.Tracks(), 2)
	assert.Equal(t, FacingUser, stream.Facing())
}

func TestSetTrackEnabled(t *testing.T) {
	stream, err := NewStaticAcquirer().Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.SetTrackEnabled(TrackKindAudio, false))
	assert.False(t, stream.AudioTrack().Enabled())
	assert.True(t, stream.AudioTrack().Active(), "disabled track keeps running")

	require.True(t, stream.SetTrackEnabled(TrackKindAudio, true))
	assert.True(t, stream.AudioTrack().Enabled())
}

func TestSetTrackEnabledMissingKind(t *testing.T) {
	stream, err := NewStaticAcquirer().Acquire(context.Background(), domain.CallTypeVoice)
	require.NoError(t, err)
	defer stream.Close()

	assert.False(t, stream.SetTrackEnabled(TrackKindVideo, false))
}

func TestSwitchVideoSourceFlipsFacing(t *testing.T) {
	acquirer := NewStaticAcquirer()
	stream, err := acquirer.Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)
	defer stream.Close()

	before := stream.VideoTrack()

	track, err := acquirer.SwitchVideoSource(context.Background(), stream)
	require.NoError(t, err)
	require.NotNil(t, track)

	assert.Equal(t, FacingEnvironment, stream.Facing())
	assert.Same(t, track, stream.VideoTrack())
	assert.False(t, before.Active(), "replaced track is closed")
	assert.True(t, track.Active())

	// And back again.
	_, err = acquirer.SwitchVideoSource(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, FacingUser, stream.Facing())
}

func TestSwitchVideoSourceVoiceStream(t *testing.T) {
	acquirer := NewStaticAcquirer()
	stream, err := acquirer.Acquire(context.Background(), domain.CallTypeVoice)
	require.NoError(t, err)
	defer stream.Close()

	track, err := acquirer.SwitchVideoSource(context.Background(), stream)
	require.NoError(t, err)
	assert.Nil(t, track)
}

func TestStreamCloseIdempotent(t *testing.T) {
	stream, err := NewStaticAcquirer().Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)

	audio, video := stream.AudioTrack(), stream.VideoTrack()

	stream.Close()
	stream.Close()

	assert.True(t, stream.Closed())
	assert.False(t, audio.Active())
	assert.False(t, video.Active())
}

func TestTrackCloseStopsSource(t *testing.T) {
	source := newTickerSource(opusSilence, time.Millisecond)
	track, err := NewTrack(TrackKindAudio, "a", "s", source)
	require.NoError(t, err)

	require.NoError(t, track.Close())
	require.NoError(t, track.Close())
	assert.False(t, track.Active())

	// The closed source reports EOF, so the pump exits.
	_, err = source.ReadSample()
	require.Error(t, err)
}

func TestTickerSourcePaces(t *testing.T) {
	source := newTickerSource(opusSilence, 5*time.Millisecond)
	defer source.Close()

	start := time.Now()
	sample, err := source.ReadSample()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, opusSilence, sample.Data)
	assert.Equal(t, 5*time.Millisecond, sample.Duration)
}
