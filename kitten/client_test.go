package kitten

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const testTimeout = 10 * time.Second

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.TransportSettings.ReconnectInitialTimeout = 10 * time.Millisecond
	settings.TransportSettings.ReconnectMaxTimeout = 100 * time.Millisecond
	settings.TransportSettings.ReadTimeout = 5 * time.Second
	return settings
}

func testServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	settings.PingTimeout = 50 * time.Millisecond
	return settings
}

// events from the client goroutines, delivered in order
type clientEvents struct {
	events chan string
}

func newClientEvents() *clientEvents {
	return &clientEvents{
		events: make(chan string, 1024),
	}
}

func (self *clientEvents) listener() *ListenerFuncs {
	return &ListenerFuncs{
		OnModelDidLoad: func(model *Model, recentChanges []*Change, version Version) {
			self.events <- fmt.Sprintf("load %d", model.Len())
		},
		OnVersionDidChange: func(model *Model, previous Version, current Version) {
			self.events <- "version"
		},
		OnKittenDidMakeChange: func(model *Model, kitten *Kitten, change *Change) {
			self.events <- fmt.Sprintf("kitten %s r%s", kitten.Email, change.Revision)
		},
		OnChangeDidArrive: func(change *Change, affectedEmails []string) {
			self.events <- fmt.Sprintf("change r%s", change.Revision)
		},
		OnSocketDidOpen: func(model *Model) {
			self.events <- "open"
		},
		OnSocketDidClose: func(model *Model) {
			self.events <- "close"
		},
	}
}

// reads events until `event`. Other events are skipped.
func (self *clientEvents) waitFor(t *testing.T, event string) {
	timeout := time.After(testTimeout)
	for {
		select {
		case e := <-self.events:
			if e == event {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", event)
		}
	}
}

func (self *clientEvents) expectNone(t *testing.T, wait time.Duration) {
	select {
	case e := <-self.events:
		t.Fatalf("unexpected event %s", e)
	case <-time.After(wait):
	}
}

func newTestHub(t *testing.T, ctx context.Context, roster ...*Kitten) (*Server, string) {
	server := NewServer(ctx, roster, testServerSettings())
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, httpServer.URL
}

func TestClientSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, hubUrl := newTestHub(
		t,
		ctx,
		NewKitten("a@x.com", "A"),
		NewKitten("b@x.com", "B"),
	)
	_, err := server.Publish(&Change{Revision: ParseRevision("1"), Author: "b@x.com"}, nil)
	assert.Equal(t, err, nil)

	events := newClientEvents()
	registry := prometheus.NewRegistry()
	settings := testClientSettings()
	settings.Registerer = registry
	client, err := Connect(ctx, hubUrl+"/index.html", "atl/str", events.listener(), settings)
	assert.Equal(t, err, nil)
	defer client.Close()
	assert.Equal(t, strings.HasPrefix(client.EndpointUrl(), "ws://"), true)
	assert.Equal(t, strings.HasSuffix(client.EndpointUrl(), "/atl/str"), true)

	events.waitFor(t, "open")
	events.waitFor(t, "load 2")
	assert.Equal(t, client.State(), TransportStateConnected)

	model := client.Model()
	assert.Equal(t, model.Version(), server.Version())
	assert.Equal(t, model.KittenChangeCount(), 1)
	assert.Equal(t, len(model.RecentChanges()), 1)

	_, err = server.Publish(&Change{Revision: ParseRevision("2"), Author: "someone"}, []string{"a@x.com", "ghost@x.com"})
	assert.Equal(t, err, nil)
	events.waitFor(t, "kitten a@x.com r2")
	events.waitFor(t, "change r2")

	a, _ := model.Kitten("a@x.com")
	assert.Equal(t, a.Revisions, revisions("2"))
	assert.Equal(t, model.KittenChangeCount(), 2)
	assert.Equal(t, model.Len(), 2)

	families, err := registry.Gather()
	assert.Equal(t, err, nil)
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.Equal(t, names["kittens_client_frames"], true)
	assert.Equal(t, names["kittens_client_kitten_change_count"], true)
}

func TestClientReconnectNewVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, hubUrl := newTestHub(t, ctx, NewKitten("a@x.com", "A"))

	events := newClientEvents()
	client, err := Connect(ctx, hubUrl, DefaultStreamPath, events.listener(), testClientSettings())
	assert.Equal(t, err, nil)
	defer client.Close()

	events.waitFor(t, "load 1")
	v1 := client.Model().Version()

	// a new epoch closes every socket
	v2 := server.Reset([]*Kitten{
		NewKitten("a@x.com", "A", revisions("5")...),
		NewKitten("c@x.com", "C"),
	})
	assert.NotEqual(t, v1, v2)

	events.waitFor(t, "close")
	events.waitFor(t, "open")
	events.waitFor(t, "load 2")
	events.waitFor(t, "version")

	model := client.Model()
	assert.Equal(t, model.Version(), v2)
	assert.Equal(t, model.KittenChangeCount(), 1)
	_, ok := model.Kitten("c@x.com")
	assert.Equal(t, ok, true)
}

func TestClientClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, hubUrl := newTestHub(t, ctx, NewKitten("a@x.com", "A"))

	events := newClientEvents()
	client, err := Connect(ctx, hubUrl, DefaultStreamPath, events.listener(), testClientSettings())
	assert.Equal(t, err, nil)

	events.waitFor(t, "load 1")
	client.Close()

	select {
	case <-client.Done():
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for close")
	}
	assert.Equal(t, client.State(), TransportStateClosed)

	// no events after close, including for changes published later
	server.Publish(&Change{Revision: ParseRevision("1")}, []string{"a@x.com"})
	events.expectNone(t, 200*time.Millisecond)
	assert.Equal(t, client.Model().KittenChangeCount(), 0)

	// close is idempotent
	client.Close()
}

func TestClientCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// nothing listens here
	httpServer := httptest.NewServer(http.NotFoundHandler())
	hubUrl := httpServer.URL
	httpServer.Close()

	events := newClientEvents()
	settings := testClientSettings()
	settings.TransportSettings.ReconnectInitialTimeout = time.Hour
	settings.TransportSettings.ReconnectMaxTimeout = time.Hour
	client, err := Connect(ctx, hubUrl, DefaultStreamPath, events.listener(), settings)
	assert.Equal(t, err, nil)

	// a failed dial is a close
	events.waitFor(t, "close")

	cancel()
	select {
	case <-client.Done():
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for cancel")
	}
	events.expectNone(t, 100*time.Millisecond)
}

// a non-hub server that sends frames the client must tolerate
func TestClientDropsBadFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := &websocket.Upgrader{}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for _, message := range [][]byte{
			[]byte(`{"Type": "change", "Change": {"Revision": 1}, "Kittens": ["a@x.com"]}`),
			[]byte(`not json`),
			[]byte(`{"Type": "presence"}`),
			// ping
			{},
			RequireEncodeEnvelope(testConnect("v1", NewKitten("a@x.com", "A"))),
			[]byte(`{"Type": "change", "Kittens": ["a@x.com"]}`),
			RequireEncodeEnvelope(testChange("2", "a@x.com")),
		} {
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
		ws.ReadMessage()
	}))
	defer httpServer.Close()

	events := newClientEvents()
	client, err := Connect(ctx, httpServer.URL, "/", events.listener(), testClientSettings())
	assert.Equal(t, err, nil)
	defer client.Close()

	events.waitFor(t, "load 1")
	events.waitFor(t, "change r2")

	// the change before the snapshot found an empty index
	a, _ := client.Model().Kitten("a@x.com")
	assert.Equal(t, a.Revisions, revisions("2"))
}

func TestTransportReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// every connection is closed by the server right away
	var connectionCount int
	var connectionLock sync.Mutex
	upgrader := &websocket.Upgrader{}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connectionLock.Lock()
		connectionCount += 1
		connectionLock.Unlock()
		ws.Close()
	}))
	defer httpServer.Close()

	endpointUrl, err := EndpointUrl(httpServer.URL, "/")
	assert.Equal(t, err, nil)

	handler := &testTransportHandler{
		closes: make(chan Id, 1024),
	}
	settings := DefaultTransportSettings()
	settings.ReconnectInitialTimeout = 5 * time.Millisecond
	settings.ReconnectMaxTimeout = 20 * time.Millisecond
	transport := NewTransport(ctx, endpointUrl, handler, settings)
	defer transport.Close()

	// each close is a new connection with a new id
	ids := map[Id]bool{}
	timeout := time.After(testTimeout)
	for len(ids) < 5 {
		select {
		case id := <-handler.closes:
			ids[id] = true
		case <-timeout:
			t.Fatalf("timeout waiting for reconnects")
		}
	}

	connectionLock.Lock()
	assert.Equal(t, 5 <= connectionCount, true)
	connectionLock.Unlock()
}

type testTransportHandler struct {
	closes chan Id
}

func (self *testTransportHandler) TransportDidOpen(connectionId Id) {
}

func (self *testTransportHandler) TransportDidReceive(connectionId Id, message []byte) {
}

func (self *testTransportHandler) TransportDidClose(connectionId Id) {
	self.closes <- connectionId
}

func TestEndpointUrl(t *testing.T) {
	endpointUrl, err := EndpointUrl("http://localhost:6565/", "atl/str")
	assert.Equal(t, err, nil)
	assert.Equal(t, endpointUrl, "ws://localhost:6565/atl/str")

	endpointUrl, err = EndpointUrl("https://example.com/kittens/index.html#top", "atl/str")
	assert.Equal(t, err, nil)
	assert.Equal(t, endpointUrl, "wss://example.com/kittens/atl/str")

	endpointUrl, err = EndpointUrl("https://example.com/kittens/", "/atl/str")
	assert.Equal(t, err, nil)
	assert.Equal(t, endpointUrl, "wss://example.com/atl/str")

	endpointUrl, err = EndpointUrl("http://example.com/", "ws://other.com/str")
	assert.Equal(t, err, nil)
	assert.Equal(t, endpointUrl, "ws://other.com/str")

	_, err = EndpointUrl("ftp://example.com/", "atl/str")
	assert.NotEqual(t, err, nil)
}

func TestTransportCloseErrorsNotLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing listens here
	httpServer := httptest.NewServer(http.NotFoundHandler())
	endpointUrl, err := EndpointUrl(httpServer.URL, "/")
	assert.Equal(t, err, nil)
	httpServer.Close()

	handler := &testTransportHandler{
		closes: make(chan Id, 1024),
	}
	settings := DefaultTransportSettings()
	settings.ReconnectInitialTimeout = time.Hour
	transport := NewTransport(ctx, endpointUrl, handler, settings)

	// a live transport reports connection errors
	assert.Equal(t, transport.logConnectionError("read", NewId(), fmt.Errorf("reset")), true)

	transport.Close()
	select {
	case <-transport.Done():
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for close")
	}
	// after close the error is the close itself
	assert.Equal(t, transport.logConnectionError("read", NewId(), fmt.Errorf("use of closed network connection")), false)
}
