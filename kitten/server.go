package kitten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// the hub is the server side of the stream.
// Each socket receives one connect envelope and then every published change, in publish order.
// The roster and history are in memory. A hub restart is a new epoch with a new version.

const DefaultStreamPath = "/atl/str"

type ServerSettings struct {
	StreamPath   string
	HistoryLimit int
	// an empty frame is written when a socket has been idle this long
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	// a socket whose buffer is full is closed. The client reconnects and resyncs from a snapshot.
	SendBufferSize int
	// limits the publish body
	MaxPublishBytes int64

	// optional
	Registerer       prometheus.Registerer
	MetricsNamespace string
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		StreamPath:      DefaultStreamPath,
		HistoryLimit:    DefaultHistoryLimit,
		PingTimeout:     15 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendBufferSize:  32,
		MaxPublishBytes: 1024 * 1024,
	}
}

type serverSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	socketId Id
	send     chan []byte
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings
	upgrader *websocket.Upgrader
	mux      *http.ServeMux
	log      LogFunction

	metrics *serverMetrics

	stateLock sync.Mutex
	// roster order
	kittens     []*Kitten
	kittenIndex map[string]*Kitten
	// newest first
	changes []*Change
	version Version
	sockets map[*serverSocket]bool
}

func NewServer(ctx context.Context, roster []*Kitten, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WriteTimeout,
		},
		mux:     http.NewServeMux(),
		log:     LogFn(LogLevelInfo, "[h]"),
		sockets: map[*serverSocket]bool{},
	}
	server.reset(roster)
	server.metrics = newServerMetrics(settings.Registerer, settings.MetricsNamespace, server)

	server.mux.HandleFunc(settings.StreamPath, server.serveStream)
	server.mux.HandleFunc("/change", server.serveChange)
	server.mux.HandleFunc("/snapshot", server.serveSnapshot)
	server.mux.HandleFunc("/status", server.serveStatus)
	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.mux.ServeHTTP(w, r)
}

// starts a new epoch with `roster`. History is cleared and every open socket is closed,
// so clients reconnect into the new version.
func (self *Server) Reset(roster []*Kitten) Version {
	sockets := func() []*serverSocket {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.reset(roster)
	}()
	for _, socket := range sockets {
		socket.cancel()
	}
	return self.Version()
}

// must be called with `stateLock`
func (self *Server) reset(roster []*Kitten) []*serverSocket {
	kittens := []*Kitten{}
	kittenIndex := map[string]*Kitten{}
	for _, rosterKitten := range roster {
		if _, ok := kittenIndex[rosterKitten.Email]; ok {
			continue
		}
		kitten := rosterKitten.clone()
		kittens = append(kittens, kitten)
		kittenIndex[kitten.Email] = kitten
	}
	self.kittens = kittens
	self.kittenIndex = kittenIndex
	self.changes = []*Change{}
	self.version = ParseVersion(NewId().String())

	sockets := maps.Keys(self.sockets)
	self.sockets = map[*serverSocket]bool{}
	return sockets
}

func (self *Server) Version() Version {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.version
}

func (self *Server) SocketCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sockets)
}

func (self *Server) Snapshot() *ConnectEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshot()
}

// must be called with `stateLock`
func (self *Server) snapshot() *ConnectEnvelope {
	kittens := make([]*Kitten, len(self.kittens))
	for i, kitten := range self.kittens {
		kittens[i] = kitten.clone()
	}
	return &ConnectEnvelope{
		Kittens: kittens,
		Changes: cloneChanges(self.changes),
		Version: self.version,
	}
}

// records the change and sends it to every socket.
// When `emails` is empty the affected kittens are derived from the change.
func (self *Server) Publish(change *Change, emails []string) (*ChangeEnvelope, error) {
	if change == nil || change.Revision.IsZero() {
		return nil, errors.New("Change must have a revision.")
	}

	var changeEnvelope *ChangeEnvelope
	var slowSockets []*serverSocket
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if len(emails) == 0 {
			emails = AffectedKittens(change, self.kittens)
		}
		published := &Change{
			Revision: change.Revision,
			Author:   change.Author,
			Date:     change.Date,
			Comment:  change.Comment,
		}
		changeEnvelope = &ChangeEnvelope{
			Change:  published,
			Kittens: append([]string{}, emails...),
		}
		message, err := EncodeEnvelope(changeEnvelope)
		if err != nil {
			return err
		}

		seen := map[string]bool{}
		for _, email := range emails {
			if seen[email] {
				continue
			}
			seen[email] = true
			if kitten, ok := self.kittenIndex[email]; ok {
				kitten.add(change.Revision)
			}
		}

		historyChange := cloneChange(published)
		historyChange.Kittens = append([]string{}, emails...)
		self.changes = append([]*Change{historyChange}, self.changes...)
		if 0 < self.settings.HistoryLimit && self.settings.HistoryLimit < len(self.changes) {
			self.changes = self.changes[:self.settings.HistoryLimit]
		}

		for socket := range self.sockets {
			select {
			case socket.send <- message:
			default:
				slowSockets = append(slowSockets, socket)
			}
		}
		for _, socket := range slowSockets {
			delete(self.sockets, socket)
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}

	self.metrics.published.Inc()
	for _, socket := range slowSockets {
		glog.Infof("[h]slow %s, closing\n", socket.socketId)
		self.metrics.slow.Inc()
		socket.cancel()
	}
	return changeEnvelope, nil
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		self.log("upgrade error = %s", err)
		return
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	socket := &serverSocket{
		ctx:      handleCtx,
		cancel:   handleCancel,
		socketId: NewId(),
		send:     make(chan []byte, max(1, self.settings.SendBufferSize)),
	}
	log := SubLogFn(LogLevelInfo, self.log, socket.socketId.String())

	// the snapshot is queued and the socket registered under the same lock,
	// so no change can fall between the snapshot and the first delta
	err = func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		message, err := EncodeEnvelope(self.snapshot())
		if err != nil {
			return err
		}
		socket.send <- message
		self.sockets[socket] = true
		return nil
	}()
	if err != nil {
		glog.Infof("[h]snapshot error %s = %s\n", socket.socketId, err)
		return
	}
	log("open")

	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.sockets, socket)
	}()

	go func() {
		defer handleCancel()

		// the client never sends. Reading processes close and ping control frames.
		for {
			if _, _, err := ws.NextReader(); err != nil {
				log("read error = %s", err)
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(self.settings.WriteTimeout),
			)
			return
		case message := <-socket.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[hs]%s-> error = %s\n", socket.socketId, err)
				return
			}
			self.metrics.sent.Inc()
			glog.V(2).Infof("[hs]%s->\n", socket.socketId)
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Server) serveChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, self.settings.MaxPublishBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	publish := &ChangeEnvelope{}
	if err := json.Unmarshal(body, publish); err != nil {
		http.Error(w, fmt.Sprintf("Bad change: %s", err), http.StatusBadRequest)
		return
	}

	changeEnvelope, err := self.Publish(publish.Change, publish.Kittens)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJson(w, changeEnvelope)
}

func (self *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	responseJson, err := EncodeEnvelope(self.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

type ServerStatus struct {
	Version     Version `json:"version"`
	Status      string  `json:"status"`
	KittenCount int     `json:"kitten_count"`
	SocketCount int     `json:"socket_count"`
}

func (self *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	status := func() *ServerStatus {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return &ServerStatus{
			Version:     self.version,
			Status:      "ok",
			KittenCount: len(self.kittens),
			SocketCount: len(self.sockets),
		}
	}()
	writeJson(w, status)
}

func writeJson(w http.ResponseWriter, result any) {
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

// attribution patterns from webkit commit messages
var patternForPatchBy = regexp.MustCompile(`Patch by [^<\n]* <([^>]*)> on`)
var patternForChangeLog = regexp.MustCompile(`\n\d{4}-\d{2}-\d{2}  [^\n]*  <([^>]*)>`)

func IsKittenChange(change *Change, email string) bool {
	if change.Author == email {
		return true
	}
	for _, m := range patternForPatchBy.FindAllStringSubmatch(change.Comment, -1) {
		if m[1] == email {
			return true
		}
	}
	for _, m := range patternForChangeLog.FindAllStringSubmatch(change.Comment, -1) {
		if m[1] == email {
			return true
		}
	}
	return false
}

// the emails of `kittens` the change is attributed to, in roster order
func AffectedKittens(change *Change, kittens []*Kitten) []string {
	emails := []string{}
	for _, kitten := range kittens {
		if IsKittenChange(change, kitten.Email) {
			emails = append(emails, kitten.Email)
		}
	}
	return emails
}
