package kitten

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// the transport owns at most one live websocket.
// A new connection is dialed only after the previous connection's read loop has returned,
// so frames from two connections never interleave and reconnect attempts are serialized.

// state machine is:
// TransportStateDisconnected
//
//	-> TransportStateConnecting
//	  -> TransportStateConnected
//	    -> TransportStateDisconnected (reconnect pending)
//	  -> TransportStateDisconnected (reconnect pending)
//	-> TransportStateClosed (terminal, after `Close`)
type TransportState string

const (
	TransportStateDisconnected TransportState = "Disconnected"
	TransportStateConnecting   TransportState = "Connecting"
	TransportStateConnected    TransportState = "Connected"
	TransportStateClosed       TransportState = "Closed"
)

type TransportSettings struct {
	WsHandshakeTimeout      time.Duration
	ReconnectInitialTimeout time.Duration
	ReconnectMaxTimeout     time.Duration
	ReconnectResetPolicy    BackoffResetPolicy
	// liveness deadline. A connection that delivers nothing (including pings) for this long is closed.
	// 0 disables the deadline.
	ReadTimeout time.Duration
	// pong write deadline
	WriteTimeout time.Duration
	// maximum frame size in bytes. 0 is unlimited.
	ReadLimit int64
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout:      5 * time.Second,
		ReconnectInitialTimeout: 1 * time.Second,
		ReconnectMaxTimeout:     30 * time.Second,
		ReconnectResetPolicy:    BackoffResetOnOpen,
		ReadTimeout:             60 * time.Second,
		WriteTimeout:            5 * time.Second,
		ReadLimit:               4 * 1024 * 1024,
	}
}

// callbacks from the transport run loop. They are never called concurrently.
type TransportHandler interface {
	TransportDidOpen(connectionId Id)
	TransportDidReceive(connectionId Id, message []byte)
	TransportDidClose(connectionId Id)
}

// resolves `path` against the page or base url and maps the scheme to its websocket scheme
func EndpointUrl(baseUrl string, path string) (string, error) {
	base, err := url.Parse(baseUrl)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	endpoint := base.ResolveReference(ref)
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("Unsupported endpoint scheme: %s", endpoint.Scheme)
	}
	endpoint.Fragment = ""
	return endpoint.String(), nil
}

type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl string
	handler     TransportHandler

	settings *TransportSettings

	stateLock sync.Mutex
	state     TransportState

	done chan struct{}
}

func NewTransport(
	ctx context.Context,
	endpointUrl string,
	handler TransportHandler,
	settings *TransportSettings,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &Transport{
		ctx:         cancelCtx,
		cancel:      cancel,
		endpointUrl: endpointUrl,
		handler:     handler,
		settings:    settings,
		state:       TransportStateDisconnected,
		done:        make(chan struct{}),
	}
	go transport.run()
	return transport
}

func (self *Transport) run() {
	defer func() {
		self.setState(TransportStateClosed)
		self.cancel()
		close(self.done)
	}()

	backoff := NewBackoff(
		self.settings.ReconnectInitialTimeout,
		self.settings.ReconnectMaxTimeout,
		self.settings.ReconnectResetPolicy,
	)

	for {
		connectionId := NewId()

		self.setState(TransportStateConnecting)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.endpointUrl, nil)
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", connectionId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			self.logConnectionError("connect", connectionId, err)
			self.setState(TransportStateDisconnected)
			// a failed dial is a close
			if self.ctx.Err() == nil {
				self.handler.TransportDidClose(connectionId)
			}
		} else {
			c := func() {
				self.serve(connectionId, ws, backoff)
			}
			if glog.V(2) {
				Trace(fmt.Sprintf("[t]connect run %s", connectionId), c)
			} else {
				c()
			}
		}

		if self.ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		glog.Infof("[t]reconnect %s in %s\n", connectionId, delay)
		timer := time.NewTimer(delay)
		select {
		case <-self.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// reads until the connection fails or the transport is closed.
// Returns only after the connection is closed.
func (self *Transport) serve(connectionId Id, ws *websocket.Conn, backoff *Backoff) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	closed := make(chan struct{})
	defer func() {
		handleCancel()
		ws.Close()
		<-closed
	}()

	go func() {
		defer close(closed)
		// unblock the read on close
		<-handleCtx.Done()
		ws.Close()
	}()

	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}
	extendReadDeadline := func() {
		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		} else {
			ws.SetReadDeadline(time.Time{})
		}
	}
	ws.SetPingHandler(func(data string) error {
		glog.V(2).Infof("[tr]ping %s<-\n", connectionId)
		extendReadDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(self.settings.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	self.setState(TransportStateConnected)
	backoff.Opened()
	if self.ctx.Err() == nil {
		self.handler.TransportDidOpen(connectionId)
	}

	for {
		extendReadDeadline()
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			self.logConnectionError("read", connectionId, err)
			break
		}
		if self.ctx.Err() != nil {
			break
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[tr]ping %s<-\n", connectionId)
				continue
			}
			glog.V(1).Infof("[tr]%s<- %d bytes\n", connectionId, len(message))
			self.handler.TransportDidReceive(connectionId, message)
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, connectionId)
		}
	}

	self.setState(TransportStateDisconnected)
	if self.ctx.Err() == nil {
		self.handler.TransportDidClose(connectionId)
	}
}

// errors after the transport is closed are the close itself and only logged at V(2).
// Returns true when the error was logged as abnormal.
func (self *Transport) logConnectionError(tag string, connectionId Id, err error) bool {
	if self.ctx.Err() != nil {
		glog.V(2).Infof("[t]%s %s closed = %s\n", tag, connectionId, err)
		return false
	}
	glog.Infof("[t]%s %s error = %s\n", tag, connectionId, err)
	return true
}

func (self *Transport) setState(state TransportState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == TransportStateClosed {
		return
	}
	self.state = state
}

func (self *Transport) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// closed when the run loop has exited
func (self *Transport) Done() <-chan struct{} {
	return self.done
}

// cancels the pending reconnect and closes the live connection.
// No handler callback starts after the cancel is observed.
func (self *Transport) Close() {
	self.cancel()
}
