package peertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relay-call/pkg/peer"

	"github.com/pion/webrtc/v4"
)

type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	stopped atomic.Int32
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *Track) Stop() error {
	t.stopped.Add(1)

	return nil
}

// Stopped reports how many times Stop was called.
func (t *Track) Stopped() int {
	return int(t.stopped.Load())
}

// Media hands out fresh fake tracks per Acquire, or fails with Err.
type Media struct {
	Err error

	mx       sync.Mutex
	acquired []*Track
}

func (m *Media) Acquire(ctx context.Context, c peer.Constraints) (peer.MediaStream, error) {
	if m.Err != nil {
		return nil, &peer.MediaAccessError{Err: m.Err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &peer.MediaAccessError{Err: err}
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	var stream peer.Stream

	if c.Audio {
		t := NewTrack(fmt.Sprintf("audio-%d", len(m.acquired)), webrtc.RTPCodecTypeAudio)
		m.acquired = append(m.acquired, t)
		stream = append(stream, t)
	}

	if c.Video {
		t := NewTrack(fmt.Sprintf("video-%d", len(m.acquired)), webrtc.RTPCodecTypeVideo)
		m.acquired = append(m.acquired, t)
		stream = append(stream, t)
	}

	return stream, nil
}

func (m *Media) Acquired() []*Track {
	m.mx.Lock()
	defer m.mx.Unlock()

	return append([]*Track(nil), m.acquired...)
}

// Factory returns the given connections in order, then fresh unpaired ones.
type Factory struct {
	Err error

	mx    sync.Mutex
	conns []*Conn
	made  []*Conn
}

func NewFactory(conns ...*Conn) *Factory {
	return &Factory{conns: conns}
}

func (f *Factory) NewConnection() (peer.Connection, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	f.mx.Lock()
	defer f.mx.Unlock()

	var c *Conn

	if len(f.conns) > 0 {
		c, f.conns = f.conns[0], f.conns[1:]
	} else {
		c = NewConn(fmt.Sprintf("conn-%d", len(f.made)))
	}

	f.made = append(f.made, c)

	return c, nil
}

// Made lists every connection handed out so far.
func (f *Factory) Made() []*Conn {
	f.mx.Lock()
	defer f.mx.Unlock()

	return append([]*Conn(nil), f.made...)
}
