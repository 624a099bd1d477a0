package bot

import (
	"context"
	"sync"

	"github.com/banankicks/donutbets-render/internal/gameclient"
)

// fakeClient is a scriptable gameclient.Client. Tests push events through
// emit/disconnect and inspect recorded actions.
type fakeClient struct {
	events    chan gameclient.Event
	closeOnce sync.Once

	mu     sync.Mutex
	chats  []string
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan gameclient.Event, 16)}
}

func (c *fakeClient) emit(ev gameclient.Event) {
	c.events <- ev
}

// disconnect emits the terminal event and closes the stream, mirroring the
// production client.
func (c *fakeClient) disconnect(reason, detail string) {
	c.emit(gameclient.Event{Kind: gameclient.EventDisconnected, Reason: reason, Detail: detail})
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *fakeClient) Events() <-chan gameclient.Event { return c.events }

func (c *fakeClient) Chat(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append(c.chats, text)
	return nil
}

func (c *fakeClient) sentChats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chats...)
}

func (c *fakeClient) MoveTo(gameclient.Position) error { return nil }
func (c *fakeClient) LookAt(gameclient.Position) error { return nil }

func (c *fakeClient) ReadPosition(context.Context) (gameclient.Position, error) {
	return gameclient.Position{X: 1, Y: 64, Z: -3}, nil
}

func (c *fakeClient) ReadVitals(context.Context) (gameclient.Vitals, error) {
	return gameclient.Vitals{Health: 20, Food: 20, Saturation: 5}, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer scripts Dial outcomes per attempt number (1-based).
type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	onDial func(ctx context.Context, attempt int) (gameclient.Client, error)
}

func (d *fakeDialer) Dial(ctx context.Context, _ gameclient.Options) (gameclient.Client, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	fn := d.onDial
	d.mu.Unlock()
	return fn(ctx, n)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// spawnedClient returns a client whose world join is already confirmed.
func spawnedClient() *fakeClient {
	c := newFakeClient()
	c.emit(gameclient.Event{Kind: gameclient.EventSpawned})
	return c
}
