package kitten

import (
	"context"
	"errors"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// a client is one session: a transport, the model it feeds, and the listener.
// Independent clients share nothing.

type ClientSettings struct {
	TransportSettings *TransportSettings
	ModelSettings     *ModelSettings
	// when false, `KittenDidMakeChange` is not dispatched. Subscribers still run.
	DispatchKittenChanges bool

	// optional
	Registerer       prometheus.Registerer
	MetricsNamespace string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		TransportSettings:     DefaultTransportSettings(),
		ModelSettings:         DefaultModelSettings(),
		DispatchKittenChanges: true,
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl string

	model   *Model
	metrics *clientMetrics

	dispatcher *Dispatcher
	transport  *Transport
}

// connects to `path` relative to `baseUrl` and keeps reconnecting until the client is closed
func Connect(ctx context.Context, baseUrl string, path string, listener any, settings *ClientSettings) (*Client, error) {
	endpointUrl, err := EndpointUrl(baseUrl, path)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, endpointUrl, listener, settings), nil
}

func NewClient(ctx context.Context, endpointUrl string, listener any, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	dispatcher := NewDispatcher(listener, settings.DispatchKittenChanges)
	model := NewModel(dispatcher, settings.ModelSettings)

	client := &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		endpointUrl: endpointUrl,
		model:       model,
		metrics:     newClientMetrics(settings.Registerer, settings.MetricsNamespace, model),
		dispatcher:  dispatcher,
	}
	client.transport = NewTransport(cancelCtx, endpointUrl, client, settings.TransportSettings)
	return client
}

func (self *Client) EndpointUrl() string {
	return self.endpointUrl
}

func (self *Client) Model() *Model {
	return self.model
}

func (self *Client) State() TransportState {
	return self.transport.State()
}

// closed when the transport has stopped
func (self *Client) Done() <-chan struct{} {
	return self.transport.Done()
}

// detaches from the live connection and cancels any pending reconnect
func (self *Client) Close() {
	self.cancel()
	self.transport.Close()
}

// TransportHandler

func (self *Client) TransportDidOpen(connectionId Id) {
	self.metrics.opens.Inc()
	self.dispatcher.socketDidOpen(self.model)
}

func (self *Client) TransportDidReceive(connectionId Id, message []byte) {
	self.metrics.frames.Inc()

	envelope, err := DecodeEnvelope(message)
	if err != nil {
		self.metrics.dropped.Inc()
		if errors.Is(err, ErrUnknownEnvelope) {
			// forward compatible with newer servers
			glog.V(1).Infof("[c]drop %s<- = %s\n", connectionId, err)
		} else {
			glog.Infof("[c]drop %s<- = %s\n", connectionId, err)
		}
		return
	}

	switch v := envelope.(type) {
	case *ConnectEnvelope:
		glog.V(1).Infof("[c]connect %s<- kittens=%d version=%s\n", connectionId, len(v.Kittens), v.Version)
		self.model.ApplyConnect(v)
	case *ChangeEnvelope:
		glog.V(1).Infof("[c]change %s<- revision=%s kittens=%d\n", connectionId, v.Change.Revision, len(v.Kittens))
		self.model.ApplyChange(v)
	}
}

func (self *Client) TransportDidClose(connectionId Id) {
	self.metrics.closes.Inc()
	self.dispatcher.socketDidClose(self.model)
}
