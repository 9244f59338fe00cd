package shadow

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	AuthTimeout          time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SubscriberBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:          2 * time.Second,
		PingTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		SubscriberBufferSize: 32,
	}
}

// serves the sync core: the websocket endpoint for duplex sessions and a
// plain http read endpoint for callers that only need `GetShadow`.
// store, protocol, and hub are injected so multiple server instances do
// not interfere.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	syncProtocol *SyncProtocol
	hub          *FanoutHub
	settings     *ServerSettings

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, syncProtocol *SyncProtocol, hub *FanoutHub) *Server {
	return NewServer(ctx, syncProtocol, hub, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	syncProtocol *SyncProtocol,
	hub *FanoutHub,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:          cancelCtx,
		cancel:       cancel,
		syncProtocol: syncProtocol,
		hub:          hub,
		settings:     settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.AuthTimeout,
		},
	}
}

func (self *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.serveWs)
	mux.HandleFunc("/shadow/", self.serveShadow)
	return mux
}

func (self *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: self.Handler(),
		BaseContext: func(listener net.Listener) context.Context {
			return self.ctx
		},
	}
	go func() {
		<-self.ctx.Done()
		httpServer.Close()
	}()
	glog.Infof("[srv]listen %s\n", addr)
	return httpServer.ListenAndServe()
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[srv]upgrade error = %s\n", err)
		return
	}
	session := NewConnectionSession(self.ctx, ws, self.syncProtocol, self.hub, self.settings)
	session.Run()
}

// GET /shadow/{deviceId}
func (self *Server) serveShadow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deviceId := strings.TrimPrefix(r.URL.Path, "/shadow/")
	if deviceId == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	doc, err := self.syncProtocol.GetShadow(r.Context(), deviceId)
	if err != nil {
		switch err.(type) {
		case *NotFoundError:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(NewErrorInfo(err))
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
