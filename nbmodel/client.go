package nbmodel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

const userAgent = "Jupyter NbModel Client"

type NbModelClientSettings struct {
	ConnectTimeout time.Duration
	SyncTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Log            LogFunction
}

func DefaultNbModelClientSettings() *NbModelClientSettings {
	return &NbModelClientSettings{
		ConnectTimeout: 10 * time.Second,
		SyncTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   60 * time.Second,
		Log:            GlogFn("client"),
	}
}

// NbModelClient owns the duplex connection to one notebook room for its
// lifetime and keeps the local replica converging with the peer.
//
// Start dials the room, runs the handshake and returns the model once
// synced. Stop flushes queued outbound updates, closes the transport
// and resets the model; it is idempotent. A transport failure after
// sync ends the session without resetting the model, so the last
// converged content stays readable.
type NbModelClient struct {
	url      string
	settings *NbModelClientSettings

	model  *NotebookModel
	synced *event

	mu        sync.Mutex
	started   bool
	connected bool
	session   *clientSession
}

// clientSession is the per-connection state, torn down as a unit.
type clientSession struct {
	conn        *websocket.Conn
	forwarder   *updateForwarder
	unsubUpdate func()
	readerDone  chan struct{}
	pingCancel  context.CancelFunc

	writeMu sync.Mutex
}

func NewNbModelClient(url string) *NbModelClient {
	return NewNbModelClientWithSettings(url, DefaultNbModelClientSettings())
}

func NewNbModelClientWithSettings(url string, settings *NbModelClientSettings) *NbModelClient {
	return &NbModelClient{
		url:      url,
		settings: settings,
		model:    NewNotebookModel(),
		synced:   newEvent(),
	}
}

// Model returns the notebook model. Valid before Start and after Stop;
// content is only meaningful between sync and reset.
func (self *NbModelClient) Model() *NotebookModel {
	return self.model
}

func (self *NbModelClient) Connected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connected
}

func (self *NbModelClient) Synced() bool {
	return self.synced.IsSet()
}

// Start opens the transport, runs the handshake and returns once the
// session is synced. A handshake that does not complete within
// SyncTimeout is fatal: everything is torn down and a ConnectionError
// returned.
func (self *NbModelClient) Start(ctx context.Context) (*NotebookModel, error) {
	self.mu.Lock()
	if self.started {
		self.mu.Unlock()
		return nil, errors.New("client already started")
	}
	self.started = true
	self.mu.Unlock()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.ConnectTimeout,
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	conn, _, err := dialer.DialContext(ctx, self.url, header)
	if err != nil {
		self.mu.Lock()
		self.started = false
		self.mu.Unlock()
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	doc := self.model.Doc()
	session := &clientSession{
		conn:       conn,
		readerDone: make(chan struct{}),
	}
	session.forwarder = newUpdateForwarder(
		func(message []byte) error {
			return session.write(message, self.settings.WriteTimeout)
		},
		SubLogFn(self.settings.Log, "forwarder"),
	)
	// every local transaction becomes one outbound incremental update,
	// in commit order
	session.unsubUpdate = doc.OnUpdate(func(update []byte, origin string) {
		session.forwarder.Enqueue(syncMessage(syncIncrementalUpdate, update))
	})

	pingCtx, pingCancel := context.WithCancel(context.Background())
	session.pingCancel = pingCancel

	self.mu.Lock()
	self.session = session
	self.connected = true
	self.mu.Unlock()

	go self.readLoop(session, doc)
	go self.pingLoop(pingCtx, session)

	// handshake: announce local state, wait for the peer's reply
	self.settings.Log("sending state summary for %s", self.url)
	if err := session.write(syncMessage(syncStateSummary, doc.StateVector()), self.settings.WriteTimeout); err != nil {
		self.Stop()
		return nil, &ConnectionError{Op: "handshake send", Err: err}
	}

	if !self.synced.WaitTimeout(ctx, self.settings.SyncTimeout) {
		self.Stop()
		return nil, &ConnectionError{Op: "handshake timed out"}
	}

	return self.model, nil
}

// Stop cancels background activity, flushes updates queued before the
// stop began, closes the transport and resets the model. Safe to call
// twice; the second call does nothing.
func (self *NbModelClient) Stop() error {
	self.mu.Lock()
	session := self.session
	self.session = nil
	self.started = false
	self.connected = false
	self.mu.Unlock()

	if session == nil {
		return nil
	}

	self.settings.Log("stopping client for %s", self.url)

	// stop intake first so the flush below has a fixed horizon
	session.unsubUpdate()
	session.forwarder.Close()
	session.pingCancel()

	deadline := time.Now().Add(self.settings.WriteTimeout)
	session.writeMu.Lock()
	session.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	session.writeMu.Unlock()
	err := session.conn.Close()

	select {
	case <-session.readerDone:
	case <-time.After(self.settings.ConnectTimeout):
		self.settings.Log("reader did not stop in time")
	}

	self.synced.Clear()
	self.model.Reset()

	if err != nil {
		return &ConnectionError{Op: "close", Err: err}
	}
	return nil
}

func (self *clientSession) write(message []byte, timeout time.Duration) error {
	self.writeMu.Lock()
	defer self.writeMu.Unlock()
	self.conn.SetWriteDeadline(time.Now().Add(timeout))
	return self.conn.WriteMessage(websocket.BinaryMessage, message)
}

func (self *NbModelClient) readLoop(session *clientSession, doc *crdt.Doc) {
	defer close(session.readerDone)

	for {
		messageType, frame, err := session.conn.ReadMessage()
		if err != nil {
			// session over; the document keeps its last converged
			// content
			self.mu.Lock()
			wasConnected := self.connected
			self.connected = false
			self.mu.Unlock()
			if wasConnected {
				self.settings.Log("transport read ended = %s", err)
				session.pingCancel()
				// the session is over; stop the background senders too.
				// no flush: the transport is already gone.
				session.unsubUpdate()
				session.forwarder.Abort()
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(frame) == 0 {
			continue
		}
		if err := self.handleFrame(session, doc, frame); err != nil {
			// one bad frame does not end the session
			self.settings.Log("dropping inbound frame = %s", err)
		}
	}
}

func (self *NbModelClient) handleFrame(session *clientSession, doc *crdt.Doc, frame []byte) error {
	switch frame[0] {
	case messageClassAwareness:
		return nil
	case messageClassSync:
	default:
		return &ProtocolError{Reason: "unknown message class"}
	}

	subtype, payload, err := parseSyncMessage(frame)
	if err != nil {
		return err
	}

	switch subtype {
	case syncStateSummary:
		// symmetric at any time: answer with the diff that brings the
		// peer current relative to its declared state
		diff, err := doc.DiffUpdate(payload)
		if err != nil {
			return &ProtocolError{Reason: "bad state summary"}
		}
		if err := session.write(syncMessage(syncStateReply, diff), self.settings.WriteTimeout); err != nil {
			return &ConnectionError{Op: "state reply send", Err: err}
		}

	case syncStateReply:
		if err := doc.ApplyUpdate(payload, ""); err != nil {
			return &ProtocolError{Reason: "bad state reply payload"}
		}
		self.synced.Set()

	case syncIncrementalUpdate:
		if err := doc.ApplyUpdate(payload, ""); err != nil {
			return &ProtocolError{Reason: "bad update payload"}
		}
	}
	return nil
}

func (self *NbModelClient) pingLoop(ctx context.Context, session *clientSession) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session.writeMu.Lock()
			err := session.conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(self.settings.WriteTimeout),
			)
			session.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
