package peer

import (
	"io"
	"sync"
	"time"

	"relay-call/pkg/log"

	"github.com/pion/datachannel"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	transport "github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	DefaultDisconnectedTimeout = 5 * time.Second
	DefaultFailedTimeout       = 25 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
)

type WebRTCConfig struct {
	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8

	// Zero timeouts fall back to the defaults above.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Net replaces the host network, used with vnet in tests.
	Net transport.Net
}

// WebRTC builds pion peer connections sharing one API instance.
type WebRTC struct {
	api *webrtc.API
	cfg WebRTCConfig
}

func NewWebRTC(cfg WebRTCConfig, media MediaSource) (*WebRTC, error) {
	mediaEngine := &webrtc.MediaEngine{}

	if p, ok := media.(CodecPopulator); ok {
		if err := p.Populate(mediaEngine); err != nil {
			return nil, errors.Wrap(err, "populate codecs")
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}

	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: log.PionFactory{},
	}

	settings.DetachDataChannels()
	settings.SetICETimeouts(
		orDefault(cfg.DisconnectedTimeout, DefaultDisconnectedTimeout),
		orDefault(cfg.FailedTimeout, DefaultFailedTimeout),
		orDefault(cfg.KeepAliveInterval, DefaultKeepAliveInterval),
	)

	if cfg.Net != nil {
		settings.SetNet(cfg.Net)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	return &WebRTC{api: api, cfg: cfg}, nil
}

func (w *WebRTC) NewConnection() (Connection, error) {
	pc, err := w.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           w.cfg.ICEServers,
		ICECandidatePoolSize: w.cfg.ICECandidatePoolSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	c := &pionConnection{
		conn:           pc,
		channelHandler: func(string, io.ReadWriteCloser) {},
	}

	pc.OnDataChannel(c.registerDataChannel)

	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}

type pionConnection struct {
	conn *webrtc.PeerConnection

	mx             sync.Mutex
	channelHandler func(label string, rwc io.ReadWriteCloser)
}

func (c *pionConnection) AddMedia(stream MediaStream) error {
	sending := map[webrtc.RTPCodecType]bool{}

	if stream != nil {
		for _, t := range stream.Tracks() {
			lt, ok := t.(LocalTrack)
			if !ok {
				continue
			}

			if _, err := c.conn.AddTrack(lt.Local()); err != nil {
				return errors.Wrapf(err, "add %s track", t.Kind())
			}

			sending[t.Kind()] = true
		}
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if sending[kind] {
			continue
		}

		_, err := c.conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return errors.Wrapf(err, "add %s transceiver", kind)
		}
	}

	return nil
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.conn.CreateOffer(nil)
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.conn.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.conn.SetLocalDescription(desc)
}

func (c *pionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.conn.SetRemoteDescription(desc)
}

func (c *pionConnection) HasRemoteDescription() bool {
	return c.conn.RemoteDescription() != nil
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.conn.AddICECandidate(candidate)
}

func (c *pionConnection) OnICECandidate(h func(*webrtc.ICECandidateInit)) {
	c.conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			h(nil)

			return
		}

		init := candidate.ToJSON()
		h(&init)
	})
}

func (c *pionConnection) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	c.conn.OnConnectionStateChange(h)
}

func (c *pionConnection) OnTrack(h func(Track)) {
	c.conn.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t := &remoteTrack{remote: remote, receiver: receiver}

		go t.drain()

		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			err := c.conn.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			})
			if err != nil {
				log.Debugf("request keyframe: %s", err)
			}
		}

		h(t)
	})
}

func (c *pionConnection) OpenChannel(label string) error {
	channel, err := c.conn.CreateDataChannel(label, nil)
	if err != nil {
		return errors.Wrap(err, "create data channel")
	}

	c.registerDataChannel(channel)

	return nil
}

func (c *pionConnection) OnChannel(h func(label string, rwc io.ReadWriteCloser)) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.channelHandler = h
}

func (c *pionConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.conn.ConnectionState()
}

func (c *pionConnection) Close() error {
	return c.conn.Close()
}

func (c *pionConnection) registerDataChannel(channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		var (
			rwc datachannel.ReadWriteCloser
			err error
		)

		rwc, err = channel.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		c.mx.Lock()
		h := c.channelHandler
		c.mx.Unlock()

		h(channel.Label(), rwc)
	})
}

// remoteTrack keeps RTCP flowing by draining the receiver until stopped.
type remoteTrack struct {
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	once     sync.Once
}

func (t *remoteTrack) ID() string {
	return t.remote.ID()
}

func (t *remoteTrack) Kind() webrtc.RTPCodecType {
	return t.remote.Kind()
}

func (t *remoteTrack) Stop() error {
	var err error

	t.once.Do(func() {
		err = t.receiver.Stop()
	})

	return err
}

func (t *remoteTrack) drain() {
	for {
		if _, _, err := t.remote.ReadRTP(); err != nil {
			log.Debugf("remote %s track %s ended: %s", t.remote.Kind(), t.remote.ID(), err)

			return
		}
	}
}
