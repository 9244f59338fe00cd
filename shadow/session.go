package shadow

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// the server-side handle for one live duplex connection. a session can be
// subscribed to many devices at once. inbound requests are dispatched to
// the sync protocol; outbound state updates are queued by the hub.
type ConnectionSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws           *websocket.Conn
	syncProtocol *SyncProtocol
	hub          *FanoutHub
	settings     *ServerSettings

	sessionId Id
	clientId  Id

	send    chan *Envelope
	updates chan *StateUpdate
}

func NewConnectionSession(
	ctx context.Context,
	ws *websocket.Conn,
	syncProtocol *SyncProtocol,
	hub *FanoutHub,
	settings *ServerSettings,
) *ConnectionSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionSession{
		ctx:          cancelCtx,
		cancel:       cancel,
		ws:           ws,
		syncProtocol: syncProtocol,
		hub:          hub,
		settings:     settings,
		sessionId:    NewId(),
		send:         make(chan *Envelope, SessionSendBufferSize),
		updates:      make(chan *StateUpdate, settings.SubscriberBufferSize),
	}
}

const SessionSendBufferSize = 8

// blocks until the connection ends. cleanup of all hub subscriptions is
// guaranteed on return.
func (self *ConnectionSession) Run() {
	defer func() {
		self.cancel()
		self.hub.CloseSubscriber(self.sessionId)
		self.ws.Close()
	}()

	if err := self.handshake(); err != nil {
		glog.Infof("[s]%s auth error = %s\n", self.sessionId, err)
		return
	}

	go self.writeLoop()
	self.readLoop()
}

// the first message must be auth. the client id is extracted from the
// jwt unverified, for attribution only.
func (self *ConnectionSession) handshake() error {
	self.ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := self.ws.ReadMessage()
	if err != nil {
		return &ConnectionError{Op: "auth read", Err: err}
	}

	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return err
	}
	if envelope.Type != MessageTypeAuth {
		return &ProtocolError{Reason: "expected auth"}
	}

	if envelope.ByJwt != "" {
		auth := &ClientAuth{ByJwt: envelope.ByJwt}
		if clientId, err := auth.ClientId(); err == nil {
			self.clientId = clientId
		} else {
			glog.Infof("[s]%s bad jwt = %s\n", self.sessionId, err)
		}
	}

	sessionId := self.sessionId
	ackBytes, err := EncodeEnvelope(&Envelope{
		Type:      MessageTypeAuthAck,
		SessionId: &sessionId,
	})
	if err != nil {
		return err
	}
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, ackBytes); err != nil {
		return &ConnectionError{Op: "auth write", Err: err}
	}

	glog.V(2).Infof("[s]%s open client=%s\n", self.sessionId, self.clientId)
	return nil
}

func (self *ConnectionSession) writeLoop() {
	defer self.cancel()

	write := func(envelope *Envelope) bool {
		message, err := EncodeEnvelope(envelope)
		if err != nil {
			glog.Infof("[s]%s encode error = %s\n", self.sessionId, err)
			return true
		}
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			// a websocket write deadline timeout cannot be recovered
			glog.Infof("[s]%s-> error = %s\n", self.sessionId, err)
			return false
		}
		glog.V(2).Infof("[s]%s-> %s\n", self.sessionId, envelope.Type)
		return true
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope := <-self.send:
			if !write(envelope) {
				return
			}
		case update := <-self.updates:
			if !write(&Envelope{
				Type:     MessageTypeStateUpdate,
				DeviceId: update.DeviceId,
				Update:   update,
			}) {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *ConnectionSession) readLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[s]%s<- error = %s\n", self.sessionId, err)
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}

		envelope, err := DecodeEnvelope(message)
		if err != nil {
			self.reply(&Envelope{
				Type:  MessageTypeError,
				Error: NewErrorInfo(err),
			})
			continue
		}

		self.dispatch(envelope)
	}
}

func (self *ConnectionSession) dispatch(envelope *Envelope) {
	glog.V(2).Infof("[s]%s<- %s %s\n", self.sessionId, envelope.Type, envelope.DeviceId)

	if envelope.DeviceId == "" {
		self.replyError(envelope, &ProtocolError{Reason: "missing device id"})
		return
	}

	switch envelope.Type {
	case MessageTypeSubscribe:
		// subscribe first, then read, so a delta published in between is
		// queued rather than missed. the ack carries the full current
		// document as the caller's catch-up point. a device with no
		// document yet can still be watched; the ack then carries
		// `not_found` as the initial-state result instead of a document.
		self.hub.Subscribe(envelope.DeviceId, self)
		ack := &Envelope{
			Type:      MessageTypeSubscriptionAck,
			RequestId: envelope.RequestId,
			DeviceId:  envelope.DeviceId,
		}
		doc, err := self.syncProtocol.GetShadow(self.ctx, envelope.DeviceId)
		switch err.(type) {
		case nil:
			ack.Document = doc
		case *NotFoundError:
			ack.Error = NewErrorInfo(err)
		default:
			self.hub.Unsubscribe(envelope.DeviceId, self.sessionId)
			self.replyError(envelope, err)
			return
		}
		self.reply(ack)
	case MessageTypeUnsubscribe:
		self.hub.Unsubscribe(envelope.DeviceId, self.sessionId)
		self.reply(&Envelope{
			Type:      MessageTypeUnsubscribeAck,
			RequestId: envelope.RequestId,
			DeviceId:  envelope.DeviceId,
		})
	case MessageTypeGet:
		doc, err := self.syncProtocol.GetShadow(self.ctx, envelope.DeviceId)
		if err != nil {
			self.replyError(envelope, err)
			return
		}
		self.reply(&Envelope{
			Type:      MessageTypeShadow,
			RequestId: envelope.RequestId,
			DeviceId:  envelope.DeviceId,
			Document:  doc,
		})
	case MessageTypeReport:
		version, err := self.syncProtocol.ReportState(self.ctx, envelope.DeviceId, envelope.Patch)
		if err != nil {
			self.replyError(envelope, err)
			return
		}
		self.reply(&Envelope{
			Type:      MessageTypeUpdateAck,
			RequestId: envelope.RequestId,
			DeviceId:  envelope.DeviceId,
			Version:   version,
		})
	case MessageTypeUpdateDesired:
		version, err := self.syncProtocol.UpdateDesired(self.ctx, envelope.DeviceId, envelope.Patch)
		if err != nil {
			self.replyError(envelope, err)
			return
		}
		self.reply(&Envelope{
			Type:      MessageTypeUpdateAck,
			RequestId: envelope.RequestId,
			DeviceId:  envelope.DeviceId,
			Version:   version,
		})
	default:
		self.replyError(envelope, &ProtocolError{
			Reason: "unknown message type " + envelope.Type,
		})
	}
}

func (self *ConnectionSession) reply(envelope *Envelope) {
	select {
	case <-self.ctx.Done():
	case self.send <- envelope:
	}
}

func (self *ConnectionSession) replyError(request *Envelope, err error) {
	self.reply(&Envelope{
		Type:      MessageTypeError,
		RequestId: request.RequestId,
		DeviceId:  request.DeviceId,
		Error:     NewErrorInfo(err),
	})
}

// `Subscriber`

func (self *ConnectionSession) SubscriberId() Id {
	return self.sessionId
}

func (self *ConnectionSession) Deliver(update *StateUpdate) bool {
	select {
	case self.updates <- update:
		return true
	default:
		return false
	}
}

func (self *ConnectionSession) Evict() {
	self.cancel()
}

func (self *ConnectionSession) Close() {
	self.cancel()
}
