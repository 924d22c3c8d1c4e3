package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// WSRelay bridges hub subscriptions onto WebSocket connections. Outbound it
// streams initial/change/disconnected messages; inbound it accepts
// setDesiredValues requests and turns them into mutation events.
type WSRelay struct {
	hub      *Hub
	sink     eventlog.Sink
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewWSRelay creates the relay handler.
func NewWSRelay(hub *Hub, sink eventlog.Sink, log *logger.Logger) *WSRelay {
	if log == nil {
		log = logger.NewDefault("notifier-ws")
	}
	return &WSRelay{
		hub:  hub,
		sink: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: log,
	}
}

// inboundMessage is what a subscriber may send upstream.
type inboundMessage struct {
	Type   string                         `json:"type"`
	Thing  string                         `json:"thing,omitempty"`
	Values map[string]inboundDesiredValue `json:"values,omitempty"`
}

type inboundDesiredValue struct {
	Value    thing.Value     `json:"value,omitempty"`
	ValidFor *thing.Duration `json:"validFor,omitempty"`
}

// ServeHTTP upgrades the connection and streams the subscription selected by
// the "application" and optional "name" query parameters.
func (r *WSRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	application := req.URL.Query().Get("application")
	name := req.URL.Query().Get("name")
	if application == "" {
		http.Error(w, `{"error":"Invalid","message":"application is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, err := r.hub.Subscribe(req.Context(), application, name)
	if err != nil {
		r.log.WithError(err).Warn("subscribe failed")
		return
	}
	defer sub.Cancel()

	done := make(chan struct{})
	go r.readLoop(conn, application, name, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if msg.Type == MessageDisconnected {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop handles inbound messages until the peer goes away.
func (r *WSRelay) readLoop(conn *websocket.Conn, application, name string, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.WithError(err).Debug("ignoring malformed inbound message")
			continue
		}
		if msg.Type != "setDesiredValues" {
			continue
		}

		target := name
		if msg.Thing != "" {
			target = msg.Thing
		}
		if target == "" || r.sink == nil {
			continue
		}

		desired := map[string]*event.DesiredUpdate{}
		for featureName, value := range msg.Values {
			desired[featureName] = &event.DesiredUpdate{
				Value:    value.Value,
				ValidFor: value.ValidFor,
			}
		}
		ev := event.New(thing.MakeID(application, target), event.Payload{
			Type:    event.TypeDesiredUpdate,
			Desired: desired,
		})
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.sink.Publish(ctx, ev); err != nil {
			r.log.WithError(err).
				WithField("thing", ev.ThingID).
				Warn("publish desired update failed")
		}
		cancel()
	}
}
