// Package peertest provides in-memory stand-ins for peer connections and
// media sources.
package peertest

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"relay-call/pkg/peer"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

var (
	ErrClosed              = errors.New("connection closed")
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrMalformedCandidate  = errors.New("malformed candidate")
)

// Conn is a peer.Connection that negotiates with its paired Conn in memory.
// A pair reports connected once both sides have both descriptions and each
// side has applied at least one of the other's candidates. Callbacks run on
// a per-connection goroutine in order.
type Conn struct {
	Name string

	// Candidates are gathered once the local description is set.
	Candidates []webrtc.ICECandidateInit
	// FailRemote, when set, is returned by SetRemoteDescription.
	FailRemote error

	mx   *sync.Mutex
	peer *Conn

	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	applied    []webrtc.ICECandidateInit
	rejected   []webrtc.ICECandidateInit
	media      bool
	sent       []peer.Track
	received   []*Track
	channel    string
	state      webrtc.PeerConnectionState

	onICE     func(*webrtc.ICECandidateInit)
	onState   func(webrtc.PeerConnectionState)
	onTrack   func(peer.Track)
	onChannel func(string, io.ReadWriteCloser)

	events *dispatcher
}

func NewConn(name string) *Conn {
	return &Conn{
		Name:       name,
		Candidates: []webrtc.ICECandidateInit{HostCandidate(name, 1)},
		mx:         &sync.Mutex{},
		state:      webrtc.PeerConnectionStateNew,
		events:     newDispatcher(),
	}
}

// Pair returns two linked connections.
func Pair() (caller, callee *Conn) {
	caller, callee = NewConn("caller"), NewConn("callee")

	shared := &sync.Mutex{}
	caller.mx, callee.mx = shared, shared
	caller.peer, callee.peer = callee, caller

	return caller, callee
}

// HostCandidate builds a well-formed host candidate line.
func HostCandidate(name string, n int) webrtc.ICECandidateInit {
	mid := "0"
	index := uint16(0)

	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d %d typ host ufrag %s", n, n, 5000+n, name),
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

func (c *Conn) AddMedia(stream peer.MediaStream) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state == webrtc.PeerConnectionStateClosed {
		return ErrClosed
	}

	c.media = true

	if stream != nil {
		c.sent = append(c.sent, stream.Tracks()...)
	}

	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state == webrtc.PeerConnectionStateClosed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake offer from " + c.Name}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state == webrtc.PeerConnectionStateClosed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("create answer without remote offer")
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake answer from " + c.Name}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state == webrtc.PeerConnectionStateClosed {
		return ErrClosed
	}

	c.local = &desc

	if h := c.onICE; h != nil {
		candidates := append([]webrtc.ICECandidateInit(nil), c.Candidates...)

		c.events.post(func() {
			for i := range candidates {
				h(&candidates[i])
			}

			h(nil)
		})
	}

	c.maybeConnect()

	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state == webrtc.PeerConnectionStateClosed {
		return ErrClosed
	}

	if c.FailRemote != nil {
		return c.FailRemote
	}

	if desc.SDP == "" {
		return errors.New("empty session description")
	}

	c.remote = &desc
	c.remoteSets++

	c.maybeConnect()

	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.remote != nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	switch {
	case c.state == webrtc.PeerConnectionStateClosed:
		return ErrClosed
	case c.remote == nil:
		return ErrNoRemoteDescription
	case !strings.HasPrefix(candidate.Candidate, "candidate:"):
		c.rejected = append(c.rejected, candidate)

		return errors.Wrap(ErrMalformedCandidate, candidate.Candidate)
	}

	c.applied = append(c.applied, candidate)

	c.maybeConnect()

	return nil
}

func (c *Conn) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.onICE = h
}

func (c *Conn) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.onState = h
}

func (c *Conn) OnTrack(h func(peer.Track)) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.onTrack = h
}

func (c *Conn) OpenChannel(label string) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.channel = label

	return nil
}

func (c *Conn) OnChannel(h func(string, io.ReadWriteCloser)) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.onChannel = h
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.state
}

// Close moves to closed and tells a connected peer it was disconnected.
func (c *Conn) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state == webrtc.PeerConnectionStateClosed {
		return nil
	}

	wasConnected := c.state == webrtc.PeerConnectionStateConnected

	c.setState(webrtc.PeerConnectionStateClosed)
	c.events.stop()

	if p := c.peer; p != nil && wasConnected && p.state == webrtc.PeerConnectionStateConnected {
		p.setState(webrtc.PeerConnectionStateDisconnected)
	}

	return nil
}

// Fail reports the failed state, as ICE does after losing connectivity.
func (c *Conn) Fail() {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.setState(webrtc.PeerConnectionStateFailed)
}

// Disconnect reports the transient disconnected state.
func (c *Conn) Disconnect() {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.setState(webrtc.PeerConnectionStateDisconnected)
}

func (c *Conn) RemoteSets() int {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.remoteSets
}

func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mx.Lock()
	defer c.mx.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *Conn) Rejected() []webrtc.ICECandidateInit {
	c.mx.Lock()
	defer c.mx.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.rejected...)
}

func (c *Conn) Local() *webrtc.SessionDescription {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.local
}

// Received lists the remote tracks delivered through OnTrack.
func (c *Conn) Received() []*Track {
	c.mx.Lock()
	defer c.mx.Unlock()

	return append([]*Track(nil), c.received...)
}

func (c *Conn) HasMedia() bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.media
}

func (c *Conn) Closed() bool {
	return c.ConnectionState() == webrtc.PeerConnectionStateClosed
}

// setState must be called with mx held.
func (c *Conn) setState(state webrtc.PeerConnectionState) {
	if c.state == state {
		return
	}

	c.state = state

	if h := c.onState; h != nil {
		c.events.post(func() { h(state) })
	}
}

func (c *Conn) ready() bool {
	if c.state != webrtc.PeerConnectionStateNew && c.state != webrtc.PeerConnectionStateConnecting {
		return false
	}

	if c.local == nil || c.remote == nil {
		return false
	}

	return len(c.peer.Candidates) == 0 || len(c.applied) > 0
}

// maybeConnect must be called with mx held.
func (c *Conn) maybeConnect() {
	p := c.peer
	if p == nil || !c.ready() || !p.ready() {
		return
	}

	var a, b io.ReadWriteCloser

	label := c.channel
	if label == "" {
		label = p.channel
	}

	if label != "" {
		a, b = net.Pipe()
	}

	c.connect(p, label, a)
	p.connect(c, label, b)
}

// connect delivers tracks and the channel before reporting connected.
func (c *Conn) connect(p *Conn, label string, rwc io.ReadWriteCloser) {
	if h := c.onTrack; h != nil {
		for _, t := range p.sent {
			remote := NewTrack("remote-"+t.ID(), t.Kind())
			c.received = append(c.received, remote)

			c.events.post(func() { h(remote) })
		}
	}

	if h := c.onChannel; h != nil && rwc != nil {
		c.events.post(func() { h(label, rwc) })
	}

	c.setState(webrtc.PeerConnectionStateConnected)
}

// dispatcher runs callbacks one at a time in posting order.
type dispatcher struct {
	mx      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1)}

	go d.run()

	return d
}

func (d *dispatcher) post(fn func()) {
	d.mx.Lock()
	defer d.mx.Unlock()

	if d.stopped {
		return
	}

	d.queue = append(d.queue, fn)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// stop lets already posted callbacks run, then ends the goroutine.
func (d *dispatcher) stop() {
	d.mx.Lock()
	defer d.mx.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for range d.wake {
		for {
			d.mx.Lock()

			if len(d.queue) == 0 {
				stopped := d.stopped
				d.mx.Unlock()

				if stopped {
					return
				}

				break
			}

			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mx.Unlock()

			fn()
		}
	}
}
