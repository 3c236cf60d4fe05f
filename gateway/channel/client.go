package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/hostgateway/gateway/command"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// eventBuffer is how many uncorrelated events are held for a slow Events reader before they are dropped.
const eventBuffer = 256

// ErrClosed is returned by calls on a connection whose reader stopped.
var ErrClosed = errors.New("channel connection closed")

// RemoteError is an error event sent by the server in reply to a call.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Dial opens a channel connection. ctx only bounds the handshake.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	c.Logger.Debugw("dialing WebSocket for channel", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(clientReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	log := c.Logger.Named("channel_conn")
	conn := &Conn{
		log:     log,
		conn:    wsConn,
		ctx:     connCtx,
		cancel:  cancel,
		writer:  &eventWriter{log: log.Named("writer"), ctx: connCtx, conn: wsConn},
		pending: map[string]chan Message{},
		events:  make(chan Message, eventBuffer),
		done:    make(chan struct{}),
	}
	go conn.readMessages()
	return conn, nil
}

// Conn is an open channel connection. Replies are routed to their callers by id,
// everything else is delivered on Events.
type Conn struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	writer *eventWriter

	pendingMut sync.Mutex
	pending    map[string]chan Message

	events  chan Message
	dropped atomic.Uint64
	done    chan struct{}
	err    error

	closeOnce sync.Once
}

// Events returns the uncorrelated events pushed by the server, such as monitoring data.
// It is closed when the connection goes away. Events that arrive while the channel is full are dropped,
// so that replies to calls keep flowing.
func (c *Conn) Events() <-chan Message {
	return c.events
}

// Dropped returns how many events were dropped because Events wasn't drained.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Send writes an event without waiting for a reply.
func (c *Conn) Send(ctx context.Context, event, id string, data any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	ctx, cancel := mergeDone(ctx, c.ctx)
	defer cancel()
	w := *c.writer
	w.ctx = ctx
	return w.write(event, id, data)
}

// Call sends event with req as its payload and waits for the reply, decoding its payload into resp.
func (c *Conn) Call(ctx context.Context, event string, req, resp any) error {
	id := uuid.NewString()
	ch := make(chan Message, 1)

	c.pendingMut.Lock()
	c.pending[id] = ch
	c.pendingMut.Unlock()
	defer func() {
		c.pendingMut.Lock()
		delete(c.pending, id)
		c.pendingMut.Unlock()
	}()

	if err := c.Send(ctx, event, id, req); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}

	select {
	case msg := <-ch:
		if msg.Event == EventError {
			var e ErrorData
			_ = json.Unmarshal(msg.Data, &e)
			return &RemoteError{Event: event, Message: e.Message}
		}
		if want := ReplyEvent(event); want != "" && msg.Event != want {
			return fmt.Errorf("unexpected reply %q to %s", msg.Event, event)
		}
		if resp != nil && len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, resp); err != nil {
				return fmt.Errorf("decoding %s reply: %w", event, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("waiting for %s reply: %w", event, c.err)
	}
}

func (c *Conn) Execute(ctx context.Context, line string) (command.Result, error) {
	var res command.Result
	err := c.Call(ctx, EventExecuteCommand, ExecuteRequest{Command: line}, &res)
	return res, err
}

// Query runs one of the parameterless diagnostic events, like EventSystemInfo.
func (c *Conn) Query(ctx context.Context, event string) (command.Result, error) {
	var res command.Result
	err := c.Call(ctx, event, nil, &res)
	return res, err
}

func (c *Conn) Processes(ctx context.Context, limit int) (command.Result, error) {
	var res command.Result
	err := c.Call(ctx, EventProcesses, ProcessesRequest{Limit: limit}, &res)
	return res, err
}

// StartMonitoring starts a session. Its output arrives on Events as EventMonitoringData messages.
func (c *Conn) StartMonitoring(ctx context.Context, interval time.Duration) (MonitoringStarted, error) {
	var started MonitoringStarted
	err := c.Call(ctx, EventStartMonitoring, StartMonitoringRequest{Interval: interval.Milliseconds()}, &started)
	return started, err
}

func (c *Conn) StopMonitoring(ctx context.Context, id string) (command.Result, error) {
	var res command.Result
	err := c.Call(ctx, EventStopMonitoring, StopMonitoringRequest{ID: id}, &res)
	return res, err
}

// Close closes the connection, which also stops the monitoring sessions it started.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
		<-c.done
	})
	return err
}

func (c *Conn) readMessages() {
	defer close(c.events)
	defer close(c.done)
	defer c.cancel()

	for {
		typ, b, err := c.conn.Read(c.ctx)
		if err != nil {
			c.log.Debugf("message reader got error: %s", err)
			c.err = fmt.Errorf("%w: %s", ErrClosed, err)
			return
		}
		msg, err := decodeMessage(typ, b)
		if err != nil {
			c.log.Debugf("dropping message: %s", err)
			continue
		}
		if msg.ID != "" {
			c.pendingMut.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMut.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
				continue
			}
		}
		select {
		case c.events <- msg:
		default:
			if n := c.dropped.Add(1); n == 1 || n%eventBuffer == 0 {
				c.log.Debugw("events are not being read, dropping", "Event", msg.Event, "Dropped", n)
			}
		}
	}
}

// mergeDone returns a context that is done when either a or b is.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
