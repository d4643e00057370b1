// Package session manages the WebSocket connection to the coordinating
// server: scheme selection, connect timeout, the auth + clock-sync
// handshake, and the heartbeat loop. Callers observe state changes and
// inbound messages via the On* setters, mirroring the callback style of a
// single-session client rather than an event bus.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/djcore/djcore/internal/djerr"
	"github.com/djcore/djcore/internal/netutil"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/wire"
)

const (
	connectTimeout    = 10 * time.Second
	handshakeTimeout  = 5 * time.Second
	heartbeatInterval = 2 * time.Second
)

// Credentials selects how the client authenticates. Set Code, or both DJID
// and DJKey; when Code is set it is used and DJID/DJKey are ignored.
type Credentials struct {
	Code   string
	DJID   string
	DJKey  string
	DJName string
}

// State is a snapshot of the connection's observable state.
type State struct {
	Connected     bool
	Authenticated bool
	IsActive      bool
	DJID          string
	LatencyMS     float64
	RouteMode     string
	EntityCount   int
	MCHost        string
	MCPort        int
	MCZone        string
}

// Client manages one logical connection to the coordinating server, with
// reconnection handled by the caller (see internal/bridge).
type Client struct {
	log  obs.Logger
	cred Credentials

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}

	onMessage func(wire.Envelope, []byte)
	onState   func(State)
}

// New returns a Client. log may be nil.
func New(log obs.Logger, cred Credentials) *Client {
	if log == nil {
		log = obs.NewNopLogger()
	}
	return &Client{log: log, cred: cred}
}

// OnMessage registers a callback invoked for every decoded inbound message,
// after the handshake completes, with the raw type envelope and payload.
func (c *Client) OnMessage(fn func(wire.Envelope, []byte)) { c.onMessage = fn }

// OnStateChange registers a callback invoked whenever State changes.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

// State returns a copy of the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(mutate func(*State)) {
	c.mu.Lock()
	mutate(&c.state)
	snapshot := c.state
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(snapshot)
	}
}

// wsURL builds the dial URL, choosing ws:// for localhost and private IPv4
// ranges and wss:// otherwise (SPEC_FULL.md §4.F, grounded on is_local_host in
// the original client).
func wsURL(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	scheme := "wss"
	if netutil.IsLocalHost(host) {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/"}
	return u.String(), nil
}

// Connect dials the server, authenticates, and runs the clock-sync
// handshake inline, exactly as the original client does, before returning.
// It then spawns the reader, writer, and heartbeat goroutines bound to ctx.
func (c *Client) Connect(ctx context.Context, addr string) error {
	dialURL, err := wsURL(addr)
	if err != nil {
		return &djerr.TransportError{Op: "dial", Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, nil)
	if err != nil {
		return &djerr.TransportError{Op: "dial", Err: err}
	}

	authMsg, err := c.authMessage()
	if err != nil {
		conn.Close()
		return &djerr.AuthError{Reason: err.Error()}
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return &djerr.TransportError{Op: "send auth", Err: err}
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 64)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(func(s *State) { s.Connected = true })

	go c.writeLoop(conn, done)
	go c.readLoop(ctx, conn, done)
	go c.heartbeatLoop(ctx, done)

	return nil
}

func (c *Client) authMessage() (any, error) {
	if c.cred.Code != "" {
		return wire.CodeAuth{Type: "code_auth", Code: c.cred.Code, DJName: c.cred.DJName}, nil
	}
	if c.cred.DJID != "" && c.cred.DJKey != "" {
		return wire.DJAuth{Type: "dj_auth", DJID: c.cred.DJID, DJKey: c.cred.DJKey, DJName: c.cred.DJName}, nil
	}
	return nil, fmt.Errorf("no credentials provided: set a connect code or DJ ID/key")
}

// handshake consumes messages until clock_sync_request is answered (the
// last handshake message per the original protocol) or handshakeTimeout
// elapses, in which case the connection proceeds in a degraded, unsynced
// state rather than failing outright.
func (c *Client) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(handshakeTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.log.Warn("handshake timeout, proceeding without clock sync")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(remaining))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("handshake timeout, proceeding without clock sync")
				return nil
			}
			return &djerr.TransportError{Op: "handshake", Err: err}
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case "auth_success":
			var auth wire.AuthSuccess
			if err := json.Unmarshal(data, &auth); err == nil {
				c.setState(func(s *State) {
					s.Authenticated = true
					s.IsActive = auth.IsActive
					s.DJID = auth.DJID
					if auth.RouteMode != nil {
						s.RouteMode = *auth.RouteMode
					}
				})
				c.log.Info("authenticated", zap.String("dj_id", auth.DJID), zap.Bool("active", auth.IsActive))
			}
		case "auth_error":
			var ae wire.AuthError
			json.Unmarshal(data, &ae)
			return &djerr.AuthError{Reason: ae.Error}
		case "clock_sync_request":
			var req wire.ClockSyncRequest
			json.Unmarshal(data, &req)
			resp := wire.ClockSyncResponse{
				Type:       "clock_sync_response",
				DJRecvTime: nowUnix(),
				DJSendTime: nowUnix(),
			}
			if err := conn.WriteJSON(resp); err != nil {
				return &djerr.TransportError{Op: "clock sync", Err: err}
			}
			conn.SetReadDeadline(time.Time{})
			return nil
		case "status_update":
			var su wire.StatusUpdate
			if err := json.Unmarshal(data, &su); err == nil {
				c.setState(func(s *State) { s.IsActive = su.IsActive })
			}
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed, closing", zap.Error(err))
				return
			}
		case <-done:
			conn.WriteJSON(wire.GoingOffline{Type: "going_offline"})
			conn.Close()
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer c.markDisconnected()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.handleInbound(env, data)
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) handleInbound(env wire.Envelope, data []byte) {
	switch env.Type {
	case "status_update":
		var su wire.StatusUpdate
		if json.Unmarshal(data, &su) == nil {
			c.setState(func(s *State) { s.IsActive = su.IsActive })
		}
	case "clock_sync_request":
		var req wire.ClockSyncRequest
		json.Unmarshal(data, &req)
		resp := wire.ClockSyncResponse{Type: "clock_sync_response", DJRecvTime: nowUnix(), DJSendTime: nowUnix()}
		c.sendJSON(resp)
	case "heartbeat_ack":
		var ack wire.HeartbeatAck
		if json.Unmarshal(data, &ack) == nil {
			now := nowUnix()
			var latency float64
			if ack.EchoTs != nil {
				latency = (now - *ack.EchoTs) * 1000
			} else {
				latency = (now - ack.ServerTime) * 1000
			}
			if latency < 0 {
				latency = 0
			}
			c.setState(func(s *State) { s.LatencyMS = latency })
		}
	case "stream_route":
		var route wire.StreamRoute
		if json.Unmarshal(data, &route) == nil {
			c.setState(func(s *State) {
				s.RouteMode = route.RouteMode
				if route.IsActive != nil {
					s.IsActive = *route.IsActive
				}
				if route.EntityCount != nil {
					s.EntityCount = *route.EntityCount
				} else if route.PatternConfig != nil {
					if ec, ok := route.PatternConfig["entity_count"].(float64); ok {
						s.EntityCount = int(ec)
					}
				}
				if route.MinecraftHost != nil {
					s.MCHost = *route.MinecraftHost
				}
				if route.MinecraftPort != nil {
					s.MCPort = *route.MinecraftPort
				}
				if route.Zone != nil {
					s.MCZone = *route.Zone
				}
			})
		}
	}
	if c.onMessage != nil {
		c.onMessage(env, data)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, done chan struct{}) {
	// Wait one full interval before the first heartbeat, so it never races
	// the handshake's clock-sync exchange.
	select {
	case <-time.After(heartbeatInterval):
	case <-done:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendJSON(wire.Heartbeat{Type: "dj_heartbeat", Ts: nowUnix()})
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) markDisconnected() {
	c.setState(func(s *State) {
		s.Connected = false
		s.Authenticated = false
	})
}

// Send enqueues an arbitrary message for the write loop. Returns
// djerr.TransportError if not connected.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.send
	c.mu.Unlock()
	if ch == nil {
		return &djerr.TransportError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	select {
	case ch <- data:
		return nil
	default:
		return &djerr.TransportError{Op: "send", Err: fmt.Errorf("send queue full")}
	}
}

func (c *Client) sendJSON(v any) {
	if err := c.Send(v); err != nil {
		c.log.Debug("send failed", zap.Error(err))
	}
}

// Close tears the connection down, sending going_offline first.
func (c *Client) Close() {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ParseAddr splits a host:port pair, defaulting the port when absent.
func ParseAddr(raw, defaultPort string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("server address is required")
	}
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw, nil
	}
	if _, err := strconv.Atoi(defaultPort); err != nil {
		return "", fmt.Errorf("invalid default port %q", defaultPort)
	}
	return net.JoinHostPort(raw, defaultPort), nil
}
