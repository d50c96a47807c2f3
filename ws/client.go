package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/bridi/sealchat/globals"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/registry"
	"github.com/bridi/sealchat/router"
	"github.com/bridi/sealchat/session"
	"github.com/bridi/sealchat/types"
)

const (
	defaultMaxMessageSize = 4096
	pongWait              = 2 * time.Minute
	pingPeriod            = time.Minute
	writeWait             = 10 * time.Second
)

// Client is the middleman between one websocket connection and the relay core.
// It owns the connection's read and write loops; the outbound channel is
// installed in the registry and closed there on replacement or unregistration.
type Client struct {
	conn *websocket.Conn

	out      *registry.Outbound
	identity types.Identity

	gate   *session.Gate
	router *router.Router

	maxMessageSize int64

	// closed by the read loop, makes the write loop exit
	doneChan chan struct{}
}

func NewClient(conn *websocket.Conn, out *registry.Outbound, identity types.Identity, gate *session.Gate, rt *router.Router, maxMessageSize int64) *Client {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Client{
		conn:           conn,
		out:            out,
		identity:       identity,
		gate:           gate,
		router:         rt,
		maxMessageSize: maxMessageSize,
		doneChan:       make(chan struct{}),
	}
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// ReadLoop pumps frames from the websocket connection into the router.
//
// The application runs ReadLoop in a per-connection goroutine. All reads on
// the connection happen from this goroutine. A rejected frame produces an
// error frame back to the sender; only transport failures end the loop.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
	}()
	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("ws closed unexpectedly", "user_id", c.identity.UserID, "error", err)
			}
			return
		}

		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			c.sendError("could not parse message")
			continue
		}

		envelope, err := decodeEnvelope(&message)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		if envelope == nil {
			// unknown event, ignored
			continue
		}

		if err := c.gate.Check(c.identity, envelope.SenderID()); err != nil {
			globals.AppLogger.Info("rejected frame", "user_id", c.identity.UserID, "error", err)
			c.sendError(err.Error())
			continue
		}
		if err := c.router.Route(envelope, c.identity); err != nil {
			validation := &router.ValidationError{}
			persistErr := &persistence.Error{}
			switch {
			case errors.As(err, &validation):
				c.sendError(validation.Reason)
			case errors.As(err, &persistErr):
				globals.AppLogger.Error("could not persist message", "user_id", c.identity.UserID, "error", err)
				c.sendError("message could not be stored")
			default:
				globals.AppLogger.Error("could not route message", "user_id", c.identity.UserID, "error", err)
				c.sendError("message could not be routed")
			}
		}
	}
}

// decodeEnvelope maps an inbound wire message onto a routed envelope. Events
// other than direct/group yield nil.
func decodeEnvelope(message *types.WebsocketMessage) (*types.Envelope, error) {
	payload := make(map[string]interface{})
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, &payload); err != nil {
			return nil, errors.New("could not parse message payload")
		}
	}
	switch message.Event {
	case types.WireMessageTypeDirect:
		direct := types.DirectEnvelope{}
		if err := mapstructure.WeakDecode(payload, &direct); err != nil {
			return nil, errors.New("could not decode direct message")
		}
		return &types.Envelope{Direct: &direct}, nil

	case types.WireMessageTypeGroup:
		group := types.GroupEnvelope{}
		if err := mapstructure.WeakDecode(payload, &group); err != nil {
			return nil, errors.New("could not decode group message")
		}
		return &types.Envelope{Group: &group}, nil
	}
	return nil, nil
}

// sendError pushes an error frame back through the registry so the channel
// close on replacement cannot race a direct channel write.
func (c *Client) sendError(reason string) {
	data, err := json.Marshal(types.ErrorMessage{Error: reason})
	if err != nil {
		return
	}
	frame, err := json.Marshal(types.WebsocketMessage{Event: types.WireMessageTypeError, Data: data})
	if err != nil {
		return
	}
	c.router.SendRaw(c.identity.UserID, frame)
}

// WriteLoop pumps frames from the outbound channel to the websocket
// connection. A goroutine running WriteLoop is started per connection; all
// writes on the connection happen from this goroutine. It exits when the
// outbound channel is closed by the registry or the read loop ends.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.out.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// registry closed the channel: replaced or unregistered
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
