// Package signal is the websocket adapter for the coordination core: it
// upgrades connections, decodes wire frames at the boundary and feeds them
// to the orchestrator.
package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/app/orch"
	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

type Controller struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
	Joins      *JoinRateLimiter
}

func NewController(o *orch.Orchestrator, readLimit int64, pingPeriod time.Duration) *Controller {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Controller{
		Orch:       o,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
		Joins:      NewJoinRateLimiter(10, time.Minute),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection's pumps. The
// member identifier is the client token issued by the HTTP layer and stays
// stable for the connection lifetime.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	memberID := domain.MemberID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("member", string(memberID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, memberID, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, memberID domain.MemberID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("member", string(memberID)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(memberID)
		cancel()
		c.Close()
	}()

	// A member that stops answering pings is dead: the expired read
	// deadline fails the next read and tears the connection down.
	pongWait := ctl.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("member", string(memberID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("member", string(memberID)).Msg("readPump read error")
				return
			}
			ctl.handleFrame(memberID, c, data)
		}
	}
}

func (ctl *Controller) handleFrame(memberID domain.MemberID, c *WsSignalConn, data []byte) {
	msg, err := core.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("member", string(memberID)).Msg("rejected frame")
		ctl.sendError(c, "unknown or malformed message")
		return
	}

	if _, ok := msg.(*core.JoinRoom); ok && !ctl.Joins.Allow(memberID) {
		log.Warn().Str("module", "signal").Str("member", string(memberID)).Msg("join rate limited")
		ctl.sendError(c, "too many join attempts")
		return
	}

	ctl.Orch.HandleMessage(memberID, c, msg)
}

func (ctl *Controller) sendError(c *WsSignalConn, message string) {
	frame, err := core.Encode(&core.ErrorMessage{
		Head:    core.Head{Kind: core.KindError},
		Message: message,
	})
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}
