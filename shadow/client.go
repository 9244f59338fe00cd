package shadow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type ClientState int

const (
	ClientStateDisconnected ClientState = iota
	ClientStateConnecting
	ClientStateConnected
	ClientStateReconnecting
	ClientStateGaveUp
)

func (self ClientState) String() string {
	switch self {
	case ClientStateDisconnected:
		return "disconnected"
	case ClientStateConnecting:
		return "connecting"
	case ClientStateConnected:
		return "connected"
	case ClientStateReconnecting:
		return "reconnecting"
	case ClientStateGaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

type StateFunction func(state ClientState)
type ReceiveFunction func(update *StateUpdate)

type ReconnectingClientSettings struct {
	// the nth retry waits BaseDelay * GrowthFactor^n
	BaseDelay    time.Duration
	GrowthFactor float32
	MaxAttempts  int

	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ResubscribeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultReconnectingClientSettings() *ReconnectingClientSettings {
	return &ReconnectingClientSettings{
		BaseDelay:          500 * time.Millisecond,
		GrowthFactor:       1.5,
		MaxAttempts:        8,
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ResubscribeTimeout: 5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     8,
	}
}

func retryDelay(settings *ReconnectingClientSettings, attempt int) time.Duration {
	scale := math.Pow(float64(settings.GrowthFactor), float64(attempt))
	return time.Duration(float64(settings.BaseDelay) * scale)
}

// one live connection. torn down and replaced as a unit on any failure.
type clientConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
	send   chan *Envelope
}

// the viewer-side counterpart of the sync server. owns a single logical
// connection, re-establishes it on failure with exponential backoff, and
// restores the caller-held watch set before announcing `Connected`, so
// partial resubscription is never observable. messages lost during a
// disconnect window are not redelivered; callers that need a gap-free
// view should `GetShadow` after each reconnect.
type ReconnectingClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	auth     *ClientAuth
	settings *ReconnectingClientSettings

	receiveCallbacks *CallbackList[ReceiveFunction]
	stateCallbacks   *CallbackList[StateFunction]

	stateLock   sync.Mutex
	state       ClientState
	started     bool
	terminalErr error
	watched     map[string]bool
	pending     map[Id]chan *Envelope
	conn        *clientConn
}

func NewReconnectingClientWithDefaults(ctx context.Context, url string, auth *ClientAuth) *ReconnectingClient {
	return NewReconnectingClient(ctx, url, auth, DefaultReconnectingClientSettings())
}

func NewReconnectingClient(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *ReconnectingClientSettings,
) *ReconnectingClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ReconnectingClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		settings:         settings,
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		stateCallbacks:   NewCallbackList[StateFunction](),
		state:            ClientStateDisconnected,
		watched:          map[string]bool{},
		pending:          map[Id]chan *Envelope{},
	}
}

// starts the connection loop. idempotent.
func (self *ReconnectingClient) Start() {
	self.stateLock.Lock()
	started := self.started
	self.started = true
	self.stateLock.Unlock()
	if !started {
		go self.run()
	}
}

// an intentional close. terminal: no reconnection is attempted.
func (self *ReconnectingClient) Close() {
	self.cancel()
}

func (self *ReconnectingClient) State() ClientState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the terminal error after `GaveUp`, else nil
func (self *ReconnectingClient) TerminalErr() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.terminalErr
}

func (self *ReconnectingClient) AddReceiveCallback(callback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *ReconnectingClient) AddStateCallback(callback StateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

// the devices the caller has asked to watch. held by the client,
// independent of any one physical connection.
func (self *ReconnectingClient) WatchedDevices() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.watched)
}

// asks to watch the device. starts the connection loop on first use.
// while disconnected the request is recorded and restored on connect.
// the watch is established even when the device has no document yet; in
// that case a `NotFoundError` is returned as the initial-state result so
// the caller can prompt for provisioning, and deltas still flow once the
// device is created. transport errors never surface here.
func (self *ReconnectingClient) Subscribe(ctx context.Context, deviceId string) error {
	self.Start()

	conn := self.currentConn()
	if conn == nil {
		self.addWatched(deviceId)
		return nil
	}

	response, err := self.call(ctx, conn, &Envelope{
		Type:     MessageTypeSubscribe,
		DeviceId: deviceId,
	})
	if err != nil {
		// transport failure. the reconnect loop will restore the watch.
		self.addWatched(deviceId)
		return nil
	}
	if response.Type == MessageTypeError {
		return response.Error.Err(deviceId)
	}
	self.addWatched(deviceId)
	if response.Error != nil {
		return response.Error.Err(deviceId)
	}
	return nil
}

func (self *ReconnectingClient) Unsubscribe(ctx context.Context, deviceId string) error {
	self.stateLock.Lock()
	delete(self.watched, deviceId)
	self.stateLock.Unlock()

	conn := self.currentConn()
	if conn == nil {
		return nil
	}
	response, err := self.call(ctx, conn, &Envelope{
		Type:     MessageTypeUnsubscribe,
		DeviceId: deviceId,
	})
	if err != nil {
		return nil
	}
	if response.Type == MessageTypeError {
		return response.Error.Err(deviceId)
	}
	return nil
}

func (self *ReconnectingClient) GetShadow(ctx context.Context, deviceId string) (*ShadowDocument, error) {
	response, err := self.request(ctx, &Envelope{
		Type:     MessageTypeGet,
		DeviceId: deviceId,
	})
	if err != nil {
		return nil, err
	}
	return response.Document, nil
}

func (self *ReconnectingClient) ReportState(ctx context.Context, deviceId string, patch Patch) (uint64, error) {
	response, err := self.request(ctx, &Envelope{
		Type:     MessageTypeReport,
		DeviceId: deviceId,
		Patch:    patch,
	})
	if err != nil {
		return 0, err
	}
	return response.Version, nil
}

func (self *ReconnectingClient) UpdateDesired(ctx context.Context, deviceId string, patch Patch) (uint64, error) {
	response, err := self.request(ctx, &Envelope{
		Type:     MessageTypeUpdateDesired,
		DeviceId: deviceId,
		Patch:    patch,
	})
	if err != nil {
		return 0, err
	}
	return response.Version, nil
}

func (self *ReconnectingClient) request(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	conn := self.currentConn()
	if conn == nil {
		return nil, &ConnectionError{Op: "not connected"}
	}
	response, err := self.call(ctx, conn, envelope)
	if err != nil {
		return nil, err
	}
	if response.Type == MessageTypeError {
		return nil, response.Error.Err(envelope.DeviceId)
	}
	return response, nil
}

func (self *ReconnectingClient) addWatched(deviceId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.watched[deviceId] = true
}

func (self *ReconnectingClient) currentConn() *clientConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conn
}

func (self *ReconnectingClient) setState(state ClientState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(2).Infof("[c]state %s\n", state)
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *ReconnectingClient) run() {
	defer func() {
		self.cancel()
		if self.State() != ClientStateGaveUp {
			self.setState(ClientStateDisconnected)
		}
	}()

	attempt := 0
	for {
		self.setState(ClientStateConnecting)

		ws, err := self.connect()
		if err == nil {
			err = self.runConnection(ws, &attempt)
		}
		if self.ctx.Err() != nil {
			return
		}
		glog.Infof("[c]connection error = %s\n", err)

		if self.settings.MaxAttempts <= attempt {
			self.stateLock.Lock()
			self.terminalErr = &MaxRetriesExceededError{Attempts: attempt}
			self.stateLock.Unlock()
			self.setState(ClientStateGaveUp)
			return
		}

		self.setState(ClientStateReconnecting)
		delay := retryDelay(self.settings, attempt)
		attempt += 1
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// dial and auth handshake. a handshake that does not complete within its
// timeout feeds the same backoff path as a drop.
func (self *ReconnectingClient) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	instanceId := self.auth.InstanceId
	authBytes, err := EncodeEnvelope(&Envelope{
		Type:       MessageTypeAuth,
		ByJwt:      self.auth.ByJwt,
		InstanceId: &instanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, &ConnectionError{Op: "auth write", Err: err}
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, &ConnectionError{Op: "auth read", Err: err}
	}
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}
	if envelope.Type != MessageTypeAuthAck {
		return nil, &ProtocolError{Reason: "expected auth_ack"}
	}

	success = true
	return ws, nil
}

// runs the pumps for one connection, restores the watch set, and then
// announces `Connected`. returns when the connection dies.
func (self *ReconnectingClient) runConnection(ws *websocket.Conn, attempt *int) error {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	conn := &clientConn{
		ctx:    handleCtx,
		cancel: handleCancel,
		ws:     ws,
		send:   make(chan *Envelope, self.settings.SendBufferSize),
	}

	defer func() {
		handleCancel()
		ws.Close()
		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()
	}()

	self.stateLock.Lock()
	self.conn = conn
	self.stateLock.Unlock()

	go self.writeLoop(conn)
	go self.readLoop(conn)

	if err := self.resubscribe(conn); err != nil {
		return err
	}

	*attempt = 0
	self.setState(ClientStateConnected)

	<-handleCtx.Done()
	return &ConnectionError{Op: "closed"}
}

// re-issues a subscribe for every watched device and waits for each ack.
// the full set is restored before the caller sees `Connected`.
func (self *ReconnectingClient) resubscribe(conn *clientConn) error {
	watched := self.WatchedDevices()
	if len(watched) == 0 {
		return nil
	}

	resubscribeCtx, cancel := context.WithTimeout(self.ctx, self.settings.ResubscribeTimeout)
	defer cancel()

	for _, deviceId := range watched {
		response, err := self.call(resubscribeCtx, conn, &Envelope{
			Type:     MessageTypeSubscribe,
			DeviceId: deviceId,
		})
		if err != nil {
			return &ConnectionError{Op: "resubscribe", Err: err}
		}
		if response.Type == MessageTypeError {
			// the store never deletes documents, so this should not
			// happen for a previously acked watch
			glog.Infof("[c]resubscribe %s error = %s\n", deviceId, response.Error.Message)
		}
	}
	return nil
}

func (self *ReconnectingClient) call(ctx context.Context, conn *clientConn, envelope *Envelope) (*Envelope, error) {
	requestId := NewId()
	envelope.RequestId = &requestId
	out := make(chan *Envelope, 1)

	self.stateLock.Lock()
	self.pending[requestId] = out
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.pending, requestId)
		self.stateLock.Unlock()
	}()

	select {
	case conn.send <- envelope:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.ctx.Done():
		return nil, &ConnectionError{Op: "send"}
	}

	select {
	case response := <-out:
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.ctx.Done():
		return nil, &ConnectionError{Op: "receive"}
	}
}

func (self *ReconnectingClient) writeLoop(conn *clientConn) {
	defer conn.cancel()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case envelope := <-conn.send:
			message, err := EncodeEnvelope(envelope)
			if err != nil {
				glog.Infof("[c]encode error = %s\n", err)
				continue
			}
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket write deadline timeout cannot be recovered
				glog.V(2).Infof("[c]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[c]-> %s\n", envelope.Type)
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *ReconnectingClient) readLoop(conn *clientConn) {
	defer conn.cancel()

	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[c]<- error = %s\n", err)
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}

		envelope, err := DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[c]<- decode error = %s\n", err)
			continue
		}

		if envelope.RequestId != nil {
			self.stateLock.Lock()
			out, ok := self.pending[*envelope.RequestId]
			if ok {
				delete(self.pending, *envelope.RequestId)
			}
			self.stateLock.Unlock()
			if ok {
				out <- envelope
				continue
			}
		}

		switch envelope.Type {
		case MessageTypeStateUpdate:
			for _, callback := range self.receiveCallbacks.Get() {
				update := envelope.Update
				HandleError(func() {
					callback(update)
				})
			}
		case MessageTypeError:
			glog.Infof("[c]<- error %s\n", envelope.Error.Message)
		default:
			glog.V(2).Infof("[c]<- unexpected %s\n", envelope.Type)
		}
	}
}
