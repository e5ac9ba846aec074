package server

import (
	"context"

	"github.com/MarcoPoloResearchLab/timberline/internal/broadcast"
	"github.com/MarcoPoloResearchLab/timberline/internal/session"
	"github.com/coder/websocket"
)

const defaultMaxMessageBytes int64 = 32 << 20

// websocketConn adapts a websocket connection to the session transport.
type websocketConn struct {
	conn *websocket.Conn
}

func newWebsocketConn(conn *websocket.Conn, maxMessageBytes int64) websocketConn {
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	conn.SetReadLimit(maxMessageBytes)
	return websocketConn{conn: conn}
}

func (c websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := c.conn.Read(ctx)
	return payload, err
}

func (c websocketConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c websocketConn) Close(reason string) error {
	return c.conn.Close(closeStatus(reason), reason)
}

func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case session.ReasonStoreUnavailable, broadcast.ReasonSlowConsumer:
		return websocket.StatusTryAgainLater
	case session.ReasonShutdown:
		return websocket.StatusGoingAway
	case session.ReasonAuthFailed, session.ReasonAuthTimeout:
		return websocket.StatusPolicyViolation
	case session.ReasonTransportFailure:
		return websocket.StatusInternalError
	}
	return websocket.StatusNormalClosure
}
