package call

import (
	"github.com/pion/webrtc/v4"

	"pairchat-backend/internal/domain"
)

func toSessionDescription(sd domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	}
}

func fromSessionDescription(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{
		Type: sd.Type.String(),
		SDP:  sd.SDP,
	}
}

func toCandidateInit(c *domain.IceCandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(init webrtc.ICECandidateInit, sender string) *domain.IceCandidate {
	return &domain.IceCandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
		Sender:           sender,
	}
}
