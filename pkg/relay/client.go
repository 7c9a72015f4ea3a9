package relay

import (
	"context"
	"sync"
	"time"

	"relay-call/pkg/log"
	"relay-call/pkg/signal"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var errConnClosed = errors.New("relay connection closed")

// Client is a signal.Store backed by a relay server. One websocket carries
// every request and subscription.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	subs    map[uint64]*signal.Feed
	err     error

	done chan struct{}
}

var _ signal.Store = (*Client)(nil)

// Dial connects to a relay at url, e.g. ws://host:8089/v1/signal.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, signal.Transport("dial", err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan response),
		subs:    make(map[uint64]*signal.Feed),
		done:    make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

func (c *Client) CreateRecord(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, request{Op: opCreate})
	if err != nil {
		return "", err
	}

	return resp.Result, nil
}

func (c *Client) SetRecord(ctx context.Context, id string, patch signal.Patch) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	_, err := c.call(ctx, request{Op: opSet, Record: id, Patch: &patch})

	return err
}

func (c *Client) GetRecord(ctx context.Context, id string) (signal.CallRecord, bool, error) {
	if err := signal.Validate(id, ""); err != nil {
		return signal.CallRecord{}, false, err
	}

	resp, err := c.call(ctx, request{Op: opGet, Record: id})
	if err != nil || !resp.Found || resp.Record == nil {
		return signal.CallRecord{}, false, err
	}

	return *resp.Record, true, nil
}

func (c *Client) AppendCandidate(ctx context.Context, id string, sub signal.Subcollection, cand signal.Candidate) (string, error) {
	if err := signal.Validate(id, sub); err != nil {
		return "", err
	}
	if sub == "" {
		return "", signal.ErrInvalidSubcollection
	}

	resp, err := c.call(ctx, request{Op: opAppend, Record: id, Sub: sub, Candidate: &cand})
	if err != nil {
		return "", err
	}

	return resp.Result, nil
}

// Subscribe registers the feed before asking the server, so no pushed event
// can arrive for an unknown subscription.
func (c *Client) Subscribe(ctx context.Context, target signal.Target) (signal.Subscription, error) {
	if err := signal.Validate(target.RecordID, target.Subcollection); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()

		return nil, signal.Transport("subscribe", err)
	}
	c.nextID++
	subID := c.nextID

	var feed *signal.Feed
	feed = signal.NewFeed(func() { c.dropSubscription(subID, feed) })
	c.subs[subID] = feed
	c.mu.Unlock()

	_, err := c.call(ctx, request{
		Op:           opSubscribe,
		Record:       target.RecordID,
		Sub:          target.Subcollection,
		Subscription: subID,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		feed.Cancel()

		return nil, err
	}

	return feed, nil
}

func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	_, err := c.call(ctx, request{Op: opDelete, Record: id})

	return err
}

func (c *Client) DeleteSubcollection(ctx context.Context, id string, sub signal.Subcollection) error {
	if err := signal.Validate(id, sub); err != nil {
		return err
	}

	_, err := c.call(ctx, request{Op: opDeleteSub, Record: id, Sub: sub})

	return err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done

	return err
}

// Done is closed once the connection to the relay is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()

		return response{}, signal.Transport(req.Op, err)
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return response{}, signal.Transport(req.Op, err)
	}

	select {
	case resp := <-ch:
		return resp, resp.err(req.Op)
	case <-c.done:
		return response{}, signal.Transport(req.Op, c.closeErr())
	case <-ctx.Done():
		return response{}, signal.Transport(req.Op, ctx.Err())
	}
}

func (c *Client) send(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	return c.ws.WriteJSON(req)
}

func (c *Client) readLoop() {
	var err error

	for {
		var resp response
		if err = c.ws.ReadJSON(&resp); err != nil {
			break
		}

		if resp.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			c.mu.Unlock()

			if ok {
				ch <- resp
			}

			continue
		}

		c.mu.Lock()
		feed, ok := c.subs[resp.Subscription]
		c.mu.Unlock()

		if !ok {
			continue
		}

		if resp.Closed {
			feed.Cancel()

			continue
		}

		if resp.Event != nil {
			feed.Push(*resp.Event)
		}
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = errConnClosed
	} else {
		log.Debugf("relay client: read: %v", err)
	}

	c.mu.Lock()
	c.err = errors.Wrap(err, "relay")
	feeds := c.subs
	c.subs = make(map[uint64]*signal.Feed)
	c.mu.Unlock()

	close(c.done)

	for _, feed := range feeds {
		feed.Cancel()
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		return errConnClosed
	}

	return c.err
}

// dropSubscription runs when a feed is cancelled locally or by the server.
// Telling the server is best effort: it also drops everything on disconnect.
func (c *Client) dropSubscription(id uint64, feed *signal.Feed) {
	c.mu.Lock()
	current, ok := c.subs[id]
	if ok && current == feed {
		delete(c.subs, id)
	}
	closed := c.err != nil
	c.mu.Unlock()

	if closed {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()

		if _, err := c.call(ctx, request{Op: opUnsubscribe, Subscription: id}); err != nil {
			log.Debugf("relay client: unsubscribe %d: %v", id, err)
		}
	}()
}
