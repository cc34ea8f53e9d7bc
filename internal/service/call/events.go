package call

import (
	"github.com/pion/webrtc/v4"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/media"
)

// Events receives session lifecycle callbacks. These are the only
// integration points the surrounding UI may depend on. Callbacks are
// invoked from the session's internal goroutines and must not block.
type Events interface {
	// OnLocalStream fires when local capture is ready, and again after a
	// camera switch replaces the video track.
	OnLocalStream(stream *media.Stream)

	// OnRemoteTrack fires for each media track received from the peer.
	OnRemoteTrack(track *webrtc.TrackRemote)

	// OnStatusChange fires for every observed status of the shared call
	// record, plus the transport-driven connected transition.
	OnStatusChange(status domain.CallStatus)

	// OnCallEnded fires exactly once, after local teardown completes.
	OnCallEnded()
}

// NoopEvents discards every callback. Embed it to implement only the
// callbacks a consumer cares about.
type NoopEvents struct{}

func (NoopEvents) OnLocalStream(*media.Stream)       {}
func (NoopEvents) OnRemoteTrack(*webrtc.TrackRemote) {}
func (NoopEvents) OnStatusChange(domain.CallStatus)  {}
func (NoopEvents) OnCallEnded()                      {}
