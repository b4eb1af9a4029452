package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/iotgo-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

const (
	// wsSendBufferSize is the per-connection outbound frame buffer size.
	wsSendBufferSize = 256

	// wsInboxSize is the number of inbound frames queued ahead of processing.
	// The reader blocks when it is full.
	wsInboxSize = 64

	// authTimeout bounds the store lookup behind device authentication.
	authTimeout = 5 * time.Second
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices do not send an Origin header; browsers are covered by CORS.
		return true
	},
}

// credentials are the authentication inputs captured from the upgrade request.
type credentials struct {
	apiKey   string
	deviceID string
	token    string
}

func credentialsFrom(r *http.Request) credentials {
	q := r.URL.Query()
	c := credentials{
		apiKey:   q.Get("apikey"),
		deviceID: q.Get("deviceid"),
		token:    q.Get("jwt"),
	}
	if c.token == "" {
		c.token = bearerToken(r)
	}
	return c
}

// outbound is a frame waiting for the writer. close asks the writer to end
// the connection once the frame is on the wire.
type outbound struct {
	data  []byte
	close bool
}

// wsConn is the handler of one websocket. It implements protocol.Conn.
//
// Three goroutines serve it: the reader queues frames into inbox from the
// moment the socket opens, the processor authenticates and then handles the
// inbox in arrival order, and the writer owns every write to the socket.
type wsConn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *logging.Logger
	creds  credentials

	inbox chan []byte
	out   chan outbound
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu       sync.RWMutex
	identity protocol.Identity
}

// Send queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *wsConn) Send(data []byte) bool {
	return c.enqueue(outbound{data: data})
}

// Identity returns the verified identity. It is empty before authentication.
func (c *wsConn) Identity() protocol.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *wsConn) setIdentity(id protocol.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *wsConn) enqueue(f outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("websocket send buffer full, frame dropped", "deviceid", c.Identity().DeviceID)
		return false
	}
}

// reply encodes res and queues it, flagging the frame to close the socket
// when the code demands it. It reports whether the connection stays open.
func (c *wsConn) reply(res protocol.Response) bool {
	data, err := protocol.Encode(res)
	if err != nil {
		c.logger.Error("encoding response", "error", err)
		return true
	}
	closing := protocol.ClosesConnection(res.Error)
	if closing {
		// The frame must reach the writer even if the buffer is momentarily full.
		select {
		case c.out <- outbound{data: data, close: true}:
		case <-c.done:
		}
		return false
	}
	c.enqueue(outbound{data: data})
	return true
}

// shutdown closes the socket and stops every goroutine. Safe to call more
// than once and from any goroutine.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.ws.Close() //nolint:errcheck // Best-effort close; the socket may already be gone
	})
}

// handleWebSocket upgrades the request and starts the connection handler.
// Authentication happens after the upgrade so failures are reported with
// the protocol's own 401 frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &wsConn{
		srv:    s,
		ws:     ws,
		logger: s.logger,
		creds:  credentialsFrom(r),
		inbox:  make(chan []byte, wsInboxSize),
		out:    make(chan outbound, wsSendBufferSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	if !s.track(c) {
		cancel()
		ws.Close() //nolint:errcheck // Server is shutting down
		return
	}

	go c.run()
}

// run starts the connection goroutines and performs the final cleanup once
// all of them have returned.
func (c *wsConn) run() {
	defer c.srv.untrack(c)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer c.shutdown()
		c.readPump()
	}()
	go func() {
		defer wg.Done()
		defer c.shutdown()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.process()
	}()
	wg.Wait()

	// The processor has exited, so no registration can follow this.
	c.srv.registry.Cleanup(c)
	id := c.Identity()
	c.logger.Debug("websocket closed", "origin", id.Origin.String(), "deviceid", id.DeviceID)
}

// readPump reads frames from the socket into the inbox.
func (c *wsConn) readPump() {
	cfg := c.srv.wsCfg
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	readWait := c.readWait()
	if readWait > 0 {
		//nolint:errcheck // Best-effort deadline on connection setup
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(readWait))
		})
	}

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if readWait > 0 {
			//nolint:errcheck // Best-effort deadline reset
			c.ws.SetReadDeadline(time.Now().Add(readWait))
		}

		select {
		case c.inbox <- message:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued frames and keepalive pings to the socket.
func (c *wsConn) writePump() {
	cfg := c.srv.wsCfg
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	var tick <-chan time.Time
	if cfg.PingInterval > 0 {
		ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f := <-c.out:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
			if f.close {
				//nolint:errcheck // Best-effort close message
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
				return
			}
		case <-tick:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) readWait() time.Duration {
	cfg := c.srv.wsCfg
	if cfg.PingInterval <= 0 {
		return 0
	}
	return time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
}

// process authenticates the connection and then handles queued frames one
// at a time.
func (c *wsConn) process() {
	if !c.authenticate() {
		return
	}
	for {
		select {
		case raw := <-c.inbox:
			if !c.handleFrame(raw) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// authenticate resolves the connection identity from the upgrade request.
// Device credentials take precedence over an app token.
func (c *wsConn) authenticate() bool {
	creds := c.creds

	if creds.apiKey != "" || creds.deviceID != "" {
		ctx, cancel := context.WithTimeout(c.ctx, authTimeout)
		err := c.srv.auth.VerifyDevice(ctx, creds.apiKey, creds.deviceID)
		cancel()
		if err != nil {
			c.logger.Info("device authentication failed", "deviceid", creds.deviceID, "apikey", creds.apiKey, "error", err)
			return c.reply(protocol.Failure(protocol.CodeUnauthorized))
		}
		c.setIdentity(protocol.Identity{
			Origin:   protocol.OriginDevice,
			DeviceID: creds.deviceID,
			APIKey:   creds.apiKey,
		})
		c.logger.Debug("device connection authenticated", "deviceid", creds.deviceID)
		return true
	}

	apiKey, err := c.srv.auth.VerifyApp(creds.token)
	if err != nil {
		c.logger.Info("app authentication failed", "error", err)
		return c.reply(protocol.Failure(protocol.CodeUnauthorized))
	}
	c.setIdentity(protocol.Identity{Origin: protocol.OriginApp, APIKey: apiKey})
	c.logger.Debug("app connection authenticated", "apikey", apiKey)
	return true
}

// handleFrame routes one inbound frame. It reports false when the
// connection must stop processing.
func (c *wsConn) handleFrame(raw []byte) bool {
	id := c.Identity()

	kind, req, res := protocol.Classify(raw)
	switch kind {
	case protocol.KindResponse:
		if id.Origin != protocol.OriginDevice {
			return true
		}
		res.DeviceID = id.DeviceID
		c.srv.pending.PostResponse(res)
		return true

	case protocol.KindRequest:
		// A device is pinned to its deviceid and an app to its account.
		// A device's apikey stays as sent: handlers check it against the
		// pinned deviceid, and register carries the factory key.
		req.Origin = id.Origin
		if id.Origin == protocol.OriginDevice {
			req.DeviceID = id.DeviceID
		} else {
			req.APIKey = id.APIKey
		}
		req.Conn = c

		out := c.srv.dispatcher.Handle(c.ctx, req)
		if out.OK() {
			c.register(req)
		}
		return c.reply(out)

	default:
		return true
	}
}

// register records the connection in the registry after a successful reply.
func (c *wsConn) register(req *protocol.Request) {
	if c.ctx.Err() != nil {
		return
	}
	if req.Origin == protocol.OriginDevice {
		c.srv.registry.RegisterDevice(req.DeviceID, c)
		return
	}
	c.srv.registry.RegisterApp(req.DeviceID, c)
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
