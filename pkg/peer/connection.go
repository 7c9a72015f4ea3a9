package peer

import (
	"io"

	"relay-call/pkg/signal"

	"github.com/pion/webrtc/v4"
)

// Connection is the peer-connection capability the signaling layer drives.
// The pion implementation is returned by Factory.NewConnection; tests use
// peertest.Conn.
type Connection interface {
	// AddMedia attaches local tracks and makes sure the session can receive
	// audio and video even without local tracks of that kind.
	AddMedia(stream MediaStream) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate fires for each locally gathered candidate and with nil
	// once gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(Track))

	// OpenChannel creates the message channel; the remote side accepts it.
	// OnChannel fires on both sides once it is open.
	OpenChannel(label string) error
	OnChannel(func(label string, rwc io.ReadWriteCloser))

	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Factory builds one Connection per call attempt.
type Factory interface {
	NewConnection() (Connection, error)
}

func descriptionToSignal(desc webrtc.SessionDescription) *signal.SessionDescription {
	return &signal.SessionDescription{SDP: desc.SDP, Type: desc.Type.String()}
}

func descriptionFromSignal(desc signal.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func candidateToSignal(c webrtc.ICECandidateInit) signal.Candidate {
	return signal.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateFromSignal(c signal.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
