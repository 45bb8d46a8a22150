package ws

import (
	"log"
	"time"

	"github.com/ktb/chatapp/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage for the registered type.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes inbound frames to handlers by message type. The
// ping/pong keepalive is answered internally; parse failures and unknown
// types get a structured error back to the client.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a dispatcher. The server reference may be set
// later with SetServer when construction order requires it.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer binds the server used for client responses.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type, replacing any existing
// handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback. It parses the frame, answers
// pings, and routes everything else to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, protocol.CodeMessageError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, protocol.CodeMessageError, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error event to the client. Failures are
// logged, never propagated.
func (d *MessageDispatcher) SendError(conn *Connection, errMsg *protocol.ErrorMsg) {
	if errMsg == nil {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeError, errMsg)
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.SendError(conn, &protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong answers a client keepalive and refreshes the liveness timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
