package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/monitor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// minInterval keeps repeating sessions from spinning.
const minInterval = 100 * time.Millisecond

// Services are the host operations reachable over the channel.
type Services interface {
	Terminal(ctx context.Context, line string) command.Result
	SystemInfo(ctx context.Context) command.Result
	TopProcesses(ctx context.Context, limit int) command.Result
	NetworkInfo(ctx context.Context) command.Result
	MemoryUsage(ctx context.Context) command.Result
	CPUUsage(ctx context.Context) command.Result
	StartMonitoring(ctx context.Context, opts monitor.Options, onEvent func(monitor.Event)) (monitor.Handle, command.Result)
	StopMonitoring(id string) command.Result
}

type Server struct {
	Log      *zap.SugaredLogger
	Services Services
	// Interval is used for monitoring sessions that don't ask for one.
	Interval time.Duration
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(serverReadLimit)
	s.Log.Debugw("accepted WebSocket conn", "Remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &serverConn{
		log:      s.Log.Named("conn"),
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		services: s.Services,
		interval: s.Interval,
		sessions: map[string]struct{}{},
		writer:   &eventWriter{log: s.Log.Named("writer"), ctx: ctx, conn: wsConn},
	}
	c.run()
}

type serverConn struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()
	services Services
	interval time.Duration
	writer   *eventWriter

	wg sync.WaitGroup

	sessionsMut sync.Mutex
	sessions    map[string]struct{}
}

func (c *serverConn) run() {
	defer c.shutdown()
	for {
		typ, b, err := c.conn.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("got closure from client, wrapping up")
			default:
				c.log.Debugf("message reader got error: %s", err)
				c.conn.Close(websocket.StatusInternalError, closeReason(err.Error()))
			}
			return
		}
		msg, err := decodeMessage(typ, b)
		if err != nil {
			c.sendError(msg.ID, err.Error())
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(msg)
		}()
	}
}

// shutdown stops everything the connection started and waits for in-flight handlers.
func (c *serverConn) shutdown() {
	c.cancel()
	c.wg.Wait()
	for _, id := range c.ownedSessions() {
		c.services.StopMonitoring(id)
	}
}

func (c *serverConn) handle(msg Message) {
	c.log.Debugw("handling event", "Event", msg.Event, "ID", msg.ID)
	reply := ReplyEvent(msg.Event)
	if reply == "" {
		c.sendError(msg.ID, fmt.Sprintf("unknown event %q", msg.Event))
		return
	}

	switch msg.Event {
	case EventExecuteCommand:
		var req ExecuteRequest
		if !c.decode(msg, &req) {
			return
		}
		if strings.TrimSpace(req.Command) == "" {
			c.sendError(msg.ID, "Command is required")
			return
		}
		c.send(reply, msg.ID, c.services.Terminal(c.ctx, req.Command))
	case EventSystemInfo:
		c.send(reply, msg.ID, c.services.SystemInfo(c.ctx))
	case EventProcesses:
		var req ProcessesRequest
		if !c.decode(msg, &req) {
			return
		}
		c.send(reply, msg.ID, c.services.TopProcesses(c.ctx, req.Limit))
	case EventNetworkInfo:
		c.send(reply, msg.ID, c.services.NetworkInfo(c.ctx))
	case EventMemoryUsage:
		c.send(reply, msg.ID, c.services.MemoryUsage(c.ctx))
	case EventCPUUsage:
		c.send(reply, msg.ID, c.services.CPUUsage(c.ctx))
	case EventStartMonitoring:
		c.startMonitoring(msg, reply)
	case EventStopMonitoring:
		c.stopMonitoring(msg, reply)
	}
}

func (c *serverConn) startMonitoring(msg Message, reply string) {
	var req StartMonitoringRequest
	if !c.decode(msg, &req) {
		return
	}
	interval := c.interval
	if req.Interval > 0 {
		interval = time.Duration(req.Interval) * time.Millisecond
	}
	if interval > 0 && interval < minInterval {
		interval = minInterval
	}

	// data is held back until the started reply went out
	ready := make(chan struct{})
	onEvent := func(e monitor.Event) {
		select {
		case <-ready:
		case <-c.ctx.Done():
			return
		}
		if e.Type == monitor.EventExit {
			c.untrack(e.Session)
		}
		c.send(EventMonitoringData, "", e)
	}

	h, res := c.services.StartMonitoring(c.ctx, monitor.Options{Interval: interval}, onEvent)
	if !res.Success {
		close(ready)
		c.send(reply, msg.ID, MonitoringStarted{Success: false, Output: res.Output})
		return
	}
	c.track(h.ID)
	c.send(reply, msg.ID, MonitoringStarted{Success: true, ID: h.ID, PID: h.PID})
	close(ready)
}

func (c *serverConn) stopMonitoring(msg Message, reply string) {
	var req StopMonitoringRequest
	if !c.decode(msg, &req) {
		return
	}
	if !c.owns(req.ID) {
		c.send(reply, msg.ID, command.Failure("", monitor.ErrNoSession.Error(), "monitoring failed"))
		return
	}
	res := c.services.StopMonitoring(req.ID)
	c.untrack(req.ID)
	c.send(reply, msg.ID, res)
}

// decode unmarshals the payload of msg into v, answering with an error event if it can't.
func (c *serverConn) decode(msg Message, v any) bool {
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.sendError(msg.ID, fmt.Sprintf("malformed %s data: %s", msg.Event, err))
		return false
	}
	return true
}

func (c *serverConn) send(event, id string, data any) {
	_ = c.writer.write(event, id, data)
}

func (c *serverConn) sendError(id, message string) {
	c.log.Debugw("sending error event", "ID", id, "Message", message)
	c.send(EventError, id, ErrorData{Message: message})
}

func (c *serverConn) track(id string) {
	c.sessionsMut.Lock()
	c.sessions[id] = struct{}{}
	c.sessionsMut.Unlock()
}

func (c *serverConn) untrack(id string) {
	c.sessionsMut.Lock()
	delete(c.sessions, id)
	c.sessionsMut.Unlock()
}

func (c *serverConn) owns(id string) bool {
	c.sessionsMut.Lock()
	defer c.sessionsMut.Unlock()
	_, ok := c.sessions[id]
	return ok
}

func (c *serverConn) ownedSessions() []string {
	c.sessionsMut.Lock()
	defer c.sessionsMut.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}
