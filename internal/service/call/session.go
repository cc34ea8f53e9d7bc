// Package call implements the peer-to-peer call engine: one Session per
// call attempt owning the transport end-to-end, and a Notifier surfacing
// incoming calls. Signaling flows through the signaling.Channel; media
// comes from a media.Acquirer.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"pairchat-backend/internal/domain"
	"pairchat-backend/internal/media"
	"pairchat-backend/internal/signaling"
	"pairchat-backend/pkg/config"
	"pairchat-backend/pkg/errors"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/metrics"
)

// State is the lifecycle of one Session instance.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateActive
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// signalTimeout bounds status/candidate writes issued from transport
// callbacks, which carry no caller context.
const signalTimeout = 10 * time.Second

// Config carries per-session tuning.
type Config struct {
	// STUNServers are stun: URLs handed to the transport for NAT traversal.
	// There is no TURN fallback.
	STUNServers []string

	// RingTimeout bounds how long an outgoing call may stay unanswered
	// before the caller marks it missed and tears down. Zero disables the
	// timer, leaving unanswered calls in calling forever.
	RingTimeout time.Duration
}

// DefaultConfig mirrors the STUN set the web client ships with.
func DefaultConfig() Config {
	return Config{
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
			"stun:stun3.l.google.com:19302",
			"stun:stun4.l.google.com:19302",
		},
		RingTimeout: 30 * time.Second,
	}
}

// ConfigFromApp maps the process-level CALL_* settings onto an engine Config.
func ConfigFromApp(cc config.CallConfig) Config {
	return Config{
		STUNServers: cc.STUNServers,
		RingTimeout: cc.RingTimeout,
	}
}

// Session owns the transport for one call attempt. The transport, local
// stream, and subscriptions are exclusive to this instance and are never
// shared across call attempts; a new call requires a new Session.
type Session struct {
	userID   string
	channel  signaling.Channel
	acquirer media.Acquirer
	cfg      Config
	events   Events

	mu             sync.Mutex
	state          State
	callID         string
	callType       domain.CallType
	isCaller       bool
	pc             *webrtc.PeerConnection
	local          *media.Stream
	videoSender    *webrtc.RTPSender
	remoteSet      bool
	applyingRemote bool
	pendingRemote  []webrtc.ICECandidateInit // candidates received before the remote description
	pendingLocal   []*domain.IceCandidate    // candidates gathered before the call record exists
	unsubCall      signaling.Unsubscribe
	unsubCand      signaling.Unsubscribe
	ringTimer      *time.Timer
	counted        bool

	endedOnce sync.Once
}

// NewSession creates an idle session for userID. A nil events sink is
// replaced with a no-op one.
func NewSession(userID string, channel signaling.Channel, acquirer media.Acquirer, cfg Config, events Events) *Session {
	if events == nil {
		events = NoopEvents{}
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = DefaultConfig().STUNServers
	}
	return &Session{
		userID:   userID,
		channel:  channel,
		acquirer: acquirer,
		cfg:      cfg,
		events:   events,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID returns the identifier of the associated call, or "" before one
// exists.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// LocalStream returns the acquired capture stream, or nil.
func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// StartCall acquires local media, creates an offer, persists the call
// record, and begins listening for the answer and remote candidates.
// Any failure unwinds every partially acquired resource before returning;
// acquisition failures happen before any signaling write.
func (s *Session) StartCall(ctx context.Context, calleeID string, callType domain.CallType) (string, error) {
	if !callType.Valid() {
		return "", errors.InvalidInputError("unknown call type")
	}
	if err := s.transition(StateIdle, StateNegotiating); err != nil {
		return "", err
	}

	stream, err := s.acquirer.Acquire(ctx, callType)
	if err != nil {
		s.setState(StateFailed)
		return "", err
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		stream.Close()
		s.setState(StateFailed)
		return "", err
	}

	s.mu.Lock()
	s.callType = callType
	s.isCaller = true
	s.pc = pc
	s.local = stream
	s.mu.Unlock()

	s.wireTransport(pc)
	s.events.OnLocalStream(stream)

	if err := s.addLocalTracks(pc, stream); err != nil {
		s.unwind(stream, pc)
		return "", err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.unwind(stream, pc)
		return "", errors.Wrap(errors.ErrCodeInternal, "failed to create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.unwind(stream, pc)
		return "", errors.Wrap(errors.ErrCodeInternal, "failed to set local description", err)
	}

	callID, err := s.channel.CreateCall(ctx, s.userID, calleeID, callType, fromSessionDescription(offer))
	if err != nil {
		metrics.SignalingErrorsTotal.WithLabelValues("create_call").Inc()
		s.unwind(stream, pc)
		return "", err
	}

	s.mu.Lock()
	s.callID = callID
	s.counted = true
	s.mu.Unlock()

	s.flushLocalCandidates(callID)

	if err := s.subscribe(ctx, callID); err != nil {
		s.writeStatus(domain.CallStatusEnded) // best-effort: callee should not keep ringing
		s.unwind(stream, pc)
		return "", err
	}

	if s.cfg.RingTimeout > 0 {
		s.mu.Lock()
		s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.onRingTimeout)
		s.mu.Unlock()
	}

	metrics.CallsStartedTotal.WithLabelValues(string(callType)).Inc()
	metrics.CallsActive.Inc()

	logger.Info("call started",
		zap.String("call_id", callID),
		zap.String("caller_id", s.userID),
		zap.String("callee_id", calleeID),
		zap.String("type", string(callType)))

	return callID, nil
}

// AnswerCall loads the call record, validates it is still answerable,
// acquires media matching the call type, applies the offer, and persists
// the answer. A call that is no longer in calling fails with INVALID_STATE
// before any media is acquired.
func (s *Session) AnswerCall(ctx context.Context, callID string) error {
	if err := s.transition(StateIdle, StateNegotiating); err != nil {
		return err
	}

	session, err := s.channel.GetCall(ctx, callID)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	if session.Offer == nil {
		s.setState(StateFailed)
		return errors.InvalidStateError("call has no offer")
	}
	if session.Status != domain.CallStatusCalling && session.Status != domain.CallStatusRinging {
		s.setState(StateFailed)
		return errors.InvalidStateError("call is no longer answerable")
	}

	stream, err := s.acquirer.Acquire(ctx, session.Type)
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		stream.Close()
		s.setState(StateFailed)
		return err
	}

	s.mu.Lock()
	s.callID = callID
	s.callType = session.Type
	s.isCaller = false
	s.pc = pc
	s.local = stream
	s.mu.Unlock()

	s.wireTransport(pc)
	s.events.OnLocalStream(stream)

	if err := s.addLocalTracks(pc, stream); err != nil {
		s.unwind(stream, pc)
		return err
	}

	if err := pc.SetRemoteDescription(toSessionDescription(*session.Offer)); err != nil {
		s.unwind(stream, pc)
		return errors.Wrap(errors.ErrCodeInternal, "failed to apply offer", err)
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.unwind(stream, pc)
		return errors.Wrap(errors.ErrCodeInternal, "failed to create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.unwind(stream, pc)
		return errors.Wrap(errors.ErrCodeInternal, "failed to set local description", err)
	}

	if err := s.channel.SetAnswer(ctx, callID, fromSessionDescription(answer)); err != nil {
		// Lost the answer race, or the caller hung up while we negotiated.
		metrics.SignalingErrorsTotal.WithLabelValues("set_answer").Inc()
		s.unwind(stream, pc)
		return err
	}

	s.mu.Lock()
	s.counted = true
	s.mu.Unlock()

	if err := s.subscribe(ctx, callID); err != nil {
		s.writeStatus(domain.CallStatusEnded)
		s.unwind(stream, pc)
		return err
	}

	metrics.CallsAnsweredTotal.WithLabelValues(string(session.Type)).Inc()
	metrics.CallsActive.Inc()

	logger.Info("call answered",
		zap.String("call_id", callID),
		zap.String("callee_id", s.userID),
		zap.String("type", string(session.Type)))

	return nil
}

// RejectCall writes a terminal rejected status without ever acquiring
// media. Safe to call without having joined the call.
func (s *Session) RejectCall(ctx context.Context, callID string) error {
	if err := s.transition(StateIdle, StateClosed); err != nil {
		return err
	}
	if err := s.channel.SetStatus(ctx, callID, domain.CallStatusRejected); err != nil {
		return err
	}
	metrics.CallsTerminatedTotal.WithLabelValues(string(domain.CallStatusRejected)).Inc()
	logger.Info("call rejected", zap.String("call_id", callID), zap.String("user_id", s.userID))
	return nil
}

// EndCall writes ended on the associated record (best-effort, logged) and
// then always performs local teardown. Calling it again after the call
// already ended is a safe no-op.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	callID := s.callID
	terminal := s.state == StateClosed || s.state == StateFailed
	s.mu.Unlock()

	if !terminal && callID != "" {
		if err := s.channel.SetStatus(ctx, callID, domain.CallStatusEnded); err != nil {
			if errors.HasCode(err, errors.ErrCodeInvalidState) {
				logger.Debug("call already terminal on end", zap.String("call_id", callID))
			} else {
				// Holding the camera/microphone is worse than an
				// unsynchronized remote status; teardown proceeds.
				metrics.SignalingErrorsTotal.WithLabelValues("set_status").Inc()
				logger.Warn("failed to write ended status",
					zap.String("call_id", callID), zap.Error(err))
			}
		} else {
			metrics.CallsTerminatedTotal.WithLabelValues(string(domain.CallStatusEnded)).Inc()
		}
	}

	s.teardown(StateClosed)
	return nil
}

// ToggleMute flips the audio track's enabled flag and reports whether the
// microphone is now muted.
func (s *Session) ToggleMute() bool {
	stream := s.LocalStream()
	if stream == nil || stream.AudioTrack() == nil {
		return false
	}
	muted := stream.AudioTrack().Enabled()
	stream.SetTrackEnabled(media.TrackKindAudio, !muted)
	return muted
}

// ToggleVideo flips the video track's enabled flag and reports whether the
// camera is now off. No-op on voice calls.
func (s *Session) ToggleVideo() bool {
	stream := s.LocalStream()
	if stream == nil || stream.VideoTrack() == nil {
		return false
	}
	off := stream.VideoTrack().Enabled()
	stream.SetTrackEnabled(media.TrackKindVideo, !off)
	return off
}

// SwitchCamera toggles the camera facing by replacing the outgoing video
// track. No offer/answer round trip; the call status is untouched.
// No-op on voice calls.
func (s *Session) SwitchCamera(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNegotiating && s.state != StateActive {
		s.mu.Unlock()
		return errors.InvalidStateError("no active call")
	}
	stream := s.local
	sender := s.videoSender
	s.mu.Unlock()

	track, err := s.acquirer.SwitchVideoSource(ctx, stream)
	if err != nil {
		return err
	}
	if track == nil {
		return nil
	}

	if sender != nil {
		if err := sender.ReplaceTrack(track.Local()); err != nil {
			return errors.Wrap(errors.ErrCodeInternal, "failed to replace outgoing video track", err)
		}
	}
	s.events.OnLocalStream(stream)
	return nil
}

// newPeerConnection builds the transport with default codecs and
// interceptors, STUN only.
func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to register codecs", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to register interceptors", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: s.cfg.STUNServers}},
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to build peer connection", err)
	}
	return pc, nil
}

// wireTransport installs the transport callbacks that drive the state
// machine.
func (s *Session) wireTransport(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		cand := fromCandidateInit(candidate.ToJSON(), s.userID)

		s.mu.Lock()
		callID := s.callID
		if callID == "" {
			// Gathering can outrun record creation; hold candidates until
			// the call ID exists rather than dropping them.
			s.pendingLocal = append(s.pendingLocal, cand)
			s.mu.Unlock()
			metrics.IceCandidatesTotal.WithLabelValues("queued").Inc()
			return
		}
		s.mu.Unlock()

		s.sendCandidate(callID, cand)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("remote track arrived",
			zap.String("call_id", s.CallID()),
			zap.String("kind", track.Kind().String()))
		s.events.OnRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("connection state changed",
			zap.String("call_id", s.CallID()),
			zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			if s.state == StateNegotiating {
				s.state = StateActive
			}
			timer := s.ringTimer
			s.ringTimer = nil
			s.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			s.events.OnStatusChange(domain.CallStatusConnected)

		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.handleTransportFailure()
		}
	})
}

// handleTransportFailure treats a dropped transport as an unsolicited ended
// transition: same teardown path as an explicit hangup.
func (s *Session) handleTransportFailure() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	callID := s.callID
	s.mu.Unlock()

	if callID != "" {
		s.writeStatus(domain.CallStatusEnded)
	}
	metrics.CallsTerminatedTotal.WithLabelValues("failed").Inc()
	s.teardown(StateFailed)
}

// addLocalTracks attaches every local track to the transport, keeping the
// video sender for later ReplaceTrack calls.
func (s *Session) addLocalTracks(pc *webrtc.PeerConnection, stream *media.Stream) error {
	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track.Local())
		if err != nil {
			return errors.Wrap(errors.ErrCodeInternal, "failed to add local track", err)
		}
		if track.Kind() == media.TrackKindVideo {
			s.mu.Lock()
			s.videoSender = sender
			s.mu.Unlock()
		}
	}
	return nil
}

// subscribe attaches the two standing subscriptions for this call.
func (s *Session) subscribe(ctx context.Context, callID string) error {
	unsubCall, err := s.channel.SubscribeToCall(ctx, callID, s.onCallUpdate)
	if err != nil {
		return err
	}
	unsubCand, err := s.channel.SubscribeToIceCandidates(ctx, callID, s.onRemoteCandidate)
	if err != nil {
		unsubCall()
		return err
	}

	s.mu.Lock()
	s.unsubCall = unsubCall
	s.unsubCand = unsubCand
	s.mu.Unlock()
	return nil
}

// onCallUpdate consumes every update of the shared call record.
func (s *Session) onCallUpdate(session *domain.CallSession) {
	if session.Answer != nil {
		s.applyAnswer(session.Answer)
	}

	s.events.OnStatusChange(session.Status)

	if session.Status.Terminal() {
		logger.Info("call reached terminal status",
			zap.String("call_id", session.ID),
			zap.String("status", string(session.Status)))
		s.teardown(StateClosed)
	}
}

// applyAnswer applies the remote description at most once, then drains the
// queued early candidates. Redeliveries of the same record update are
// ignored.
func (s *Session) applyAnswer(answer *domain.SessionDescription) {
	s.mu.Lock()
	if !s.isCaller || s.remoteSet || s.applyingRemote || s.pc == nil {
		s.mu.Unlock()
		return
	}
	s.applyingRemote = true
	pc := s.pc
	timer := s.ringTimer
	s.ringTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	if err := pc.SetRemoteDescription(toSessionDescription(*answer)); err != nil {
		logger.Error("failed to apply answer",
			zap.String("call_id", s.CallID()), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			logger.Warn("failed to apply queued candidate",
				zap.String("call_id", s.CallID()), zap.Error(err))
			continue
		}
		metrics.IceCandidatesTotal.WithLabelValues("applied").Inc()
	}
}

// onRemoteCandidate applies candidates from the other party, suppressing
// echoes of our own and queueing arrivals that beat the remote description.
func (s *Session) onRemoteCandidate(cand *domain.IceCandidate) {
	if cand.Sender == s.userID {
		metrics.IceCandidatesTotal.WithLabelValues("echo_dropped").Inc()
		return
	}

	init := toCandidateInit(cand)

	s.mu.Lock()
	if s.pc == nil || s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, init)
		s.mu.Unlock()
		metrics.IceCandidatesTotal.WithLabelValues("queued").Inc()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		logger.Warn("failed to apply remote candidate",
			zap.String("call_id", s.CallID()), zap.Error(err))
		return
	}
	metrics.IceCandidatesTotal.WithLabelValues("applied").Inc()
}

// sendCandidate relays one locally gathered candidate.
func (s *Session) sendCandidate(callID string, cand *domain.IceCandidate) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	if err := s.channel.AddIceCandidate(ctx, callID, cand); err != nil {
		metrics.SignalingErrorsTotal.WithLabelValues("add_candidate").Inc()
		logger.Warn("failed to relay local candidate",
			zap.String("call_id", callID), zap.Error(err))
		return
	}
	metrics.IceCandidatesTotal.WithLabelValues("sent").Inc()
}

// flushLocalCandidates relays candidates gathered before the call record
// existed, in generation order.
func (s *Session) flushLocalCandidates(callID string) {
	s.mu.Lock()
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	for _, cand := range pending {
		s.sendCandidate(callID, cand)
	}
}

// onRingTimeout marks an unanswered outgoing call missed and tears down.
func (s *Session) onRingTimeout() {
	s.mu.Lock()
	expired := s.isCaller && s.state == StateNegotiating && !s.remoteSet && !s.applyingRemote
	callID := s.callID
	s.mu.Unlock()

	if !expired {
		return
	}

	logger.Info("call unanswered, marking missed", zap.String("call_id", callID))
	s.writeStatus(domain.CallStatusMissed)
	metrics.CallsTerminatedTotal.WithLabelValues(string(domain.CallStatusMissed)).Inc()
	s.teardown(StateClosed)
}

// writeStatus is a best-effort status write from internal paths; a call
// that raced us into a terminal state is not an error worth surfacing.
func (s *Session) writeStatus(status domain.CallStatus) {
	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()
	if callID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	if err := s.channel.SetStatus(ctx, callID, status); err != nil && !errors.HasCode(err, errors.ErrCodeInvalidState) {
		metrics.SignalingErrorsTotal.WithLabelValues("set_status").Inc()
		logger.Warn("failed to write status",
			zap.String("call_id", callID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// transition moves the session from one expected state to another.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return errors.InvalidStateError("session is " + s.state.String())
	}
	s.state = to
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// unwind releases partially acquired resources after a failed start/answer
// without firing OnCallEnded: the caller receives the error instead. The
// state is flipped to Failed before closing the transport so the nested
// connection-state callback short-circuits.
func (s *Session) unwind(stream *media.Stream, pc *webrtc.PeerConnection) {
	s.setState(StateFailed)

	s.mu.Lock()
	unsubCall, unsubCand := s.unsubCall, s.unsubCand
	s.unsubCall, s.unsubCand = nil, nil
	s.mu.Unlock()
	if unsubCall != nil {
		unsubCall()
	}
	if unsubCand != nil {
		unsubCand()
	}

	if stream != nil {
		stream.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

// teardown releases everything the session owns. Idempotent: safe to invoke
// from an explicit hangup and a connection-state callback racing it. The
// completion callback fires exactly once.
func (s *Session) teardown(final State) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = final
	pc := s.pc
	local := s.local
	unsubCall, unsubCand := s.unsubCall, s.unsubCand
	timer := s.ringTimer
	s.unsubCall, s.unsubCand = nil, nil
	s.ringTimer = nil
	counted := s.counted
	s.counted = false
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if unsubCall != nil {
		unsubCall()
	}
	if unsubCand != nil {
		unsubCand()
	}
	if local != nil {
		local.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	if counted {
		metrics.CallsActive.Dec()
	}

	s.endedOnce.Do(func() {
		s.events.OnCallEnded()
	})
}
