package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/itemchat-server/internal/auth"
	"github.com/vovakirdan/itemchat-server/internal/config"
	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/proto"
	"github.com/vovakirdan/itemchat-server/internal/service/messages"
	"github.com/vovakirdan/itemchat-server/internal/session"
)

const (
	outboundBuffer = 32
	writeTimeout   = 5 * time.Second
)

// WSHandler upgrades HTTP connections and bridges them to a client session.
type WSHandler struct {
	auth      *auth.Service
	messages  *messages.Service
	heartbeat time.Duration
	readLimit int64
	rateLimit int
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(authService *auth.Service, msgs *messages.Service, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		auth:      authService,
		messages:  msgs,
		heartbeat: cfg.HeartbeatInterval,
		readLimit: cfg.MaxMessageBytes,
		rateLimit: cfg.RateLimitPerMinute,
		log:       logger,
	}
}

// wsConn is the per-connection state shared by the read, write, heartbeat and stream pumps.
type wsConn struct {
	conn    *websocket.Conn
	sess    *session.Session
	userID  int64
	out     chan proto.Outbound
	limiter *rateLimiter
	group   *errgroup.Group
	log     zerolog.Logger
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	token, ok := bearerToken(r)
	if !ok {
		stdhttp.Error(w, "missing token", stdhttp.StatusUnauthorized)
		return
	}
	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws invalid token")
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := session.New(ctx, h.messages, claims.UserID, session.WithLogger(h.log))
	defer sess.Close()

	group, gctx := errgroup.WithContext(ctx)
	c := &wsConn{
		conn:    conn,
		sess:    sess,
		userID:  claims.UserID,
		out:     make(chan proto.Outbound, outboundBuffer),
		limiter: newRateLimiter(h.rateLimit),
		group:   group,
		log: h.log.With().
			Int64("user_id", claims.UserID).
			Str("session_id", sess.Viewer().SessionID).
			Logger(),
	}

	c.log.Debug().Msg("ws connected")
	c.send(gctx, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventHello,
		Data: proto.EventHelloData{
			Protocol:  proto.ProtocolVersion,
			UserID:    claims.UserID,
			SessionID: sess.Viewer().SessionID,
		},
	})

	group.Go(func() error { return h.readLoop(gctx, c) })
	group.Go(func() error { return h.writeLoop(gctx, c) })
	group.Go(func() error { return h.heartbeatLoop(gctx, c) })

	err = group.Wait()
	sess.Close()

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = truncateReason(err.Error())
			c.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	c.log.Debug().Msg("ws disconnected")
	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, c *wsConn) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, c.conn, &inbound); err != nil {
			return err
		}

		if !c.limiter.allow() {
			c.sendError(ctx, core.ErrCodeRateLimited, "too many messages")
			continue
		}

		switch inbound.Type {
		case proto.InboundTypeOpen:
			var data proto.OpenData
			if err := json.Unmarshal(inbound.Data, &data); err != nil || data.ConversationID <= 0 {
				c.sendError(ctx, core.ErrCodeBadRequest, "conversation_id is required")
				continue
			}
			h.open(ctx, c, data.ConversationID)

		case proto.InboundTypeClose:
			if st := c.sess.Current(); st != nil {
				c.sess.CloseStream()
				c.send(ctx, proto.Outbound{
					Type:  proto.OutboundTypeEvent,
					Event: proto.EventClosed,
					Data:  proto.EventClosedData{ConversationID: st.ConversationID},
				})
			}

		case proto.InboundTypeMsg:
			var data proto.MsgData
			if err := json.Unmarshal(inbound.Data, &data); err != nil {
				c.sendError(ctx, core.ErrCodeBadRequest, "invalid msg payload")
				continue
			}
			st := c.sess.Current()
			if st == nil {
				c.sendError(ctx, core.ErrCodeBadRequest, "no conversation open")
				continue
			}
			msg, err := h.messages.Append(ctx, st.ConversationID, c.userID, data.Content)
			if err != nil {
				c.sendErr(ctx, err)
				continue
			}
			c.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventSent,
				Data:  toProtoMessage(*msg),
			})

		case proto.InboundTypeSync:
			st := c.sess.Current()
			if st == nil {
				c.sendError(ctx, core.ErrCodeBadRequest, "no conversation open")
				continue
			}
			st.RequestSync()

		default:
			c.sendError(ctx, core.ErrCodeBadRequest, "unknown message type")
		}
	}
}

// open switches the connection to a conversation: history first, then live deliveries.
func (h *WSHandler) open(ctx context.Context, c *wsConn, conversationID int64) {
	history, stream, err := c.sess.Open(ctx, conversationID)
	if err != nil {
		c.sendErr(ctx, err)
		return
	}

	c.send(ctx, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventHistory,
		Data:  proto.EventBatch{ConversationID: conversationID, Messages: toProtoMessages(history)},
	})

	c.group.Go(func() error {
		h.pump(ctx, c, stream)
		return nil
	})
}

// pump forwards stream deliveries until the stream is detached or fails.
func (h *WSHandler) pump(ctx context.Context, c *wsConn, stream *session.Stream) {
	for {
		d, err := stream.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrDetached), ctx.Err() != nil:
			return
		case c.sess.Current() != stream:
			return
		default:
			c.log.Warn().Err(err).Int64("conversation_id", stream.ConversationID).Msg("stream ended")
			c.send(ctx, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventClosed,
				Data:  proto.EventClosedData{ConversationID: stream.ConversationID, Reason: core.CodeOf(err)},
			})
			stream.Close()
			return
		}

		if !c.forward(ctx, stream, d) {
			return
		}
	}
}

// forward queues d unless stream was detached after producing it.
func (c *wsConn) forward(ctx context.Context, stream *session.Stream, d session.Delivery) bool {
	if c.sess.Current() != stream {
		return false
	}
	event := proto.EventMessage
	if d.Resync {
		event = proto.EventResync
	}
	c.send(ctx, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: event,
		Data:  proto.EventBatch{ConversationID: d.ConversationID, Messages: toProtoMessages(d.Messages)},
	})
	return true
}

func (h *WSHandler) writeLoop(ctx context.Context, c *wsConn) error {
	for {
		select {
		case out := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, out)
			cancel()
			if err != nil {
				c.log.Error().Err(err).Msg("write ws outbound")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeatLoop pings the peer; a missed pong tears the connection down.
func (h *WSHandler) heartbeatLoop(ctx context.Context, c *wsConn) error {
	if h.heartbeat <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.heartbeat)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("ws heartbeat failed")
				return err
			}
		}
	}
}

func (c *wsConn) send(ctx context.Context, out proto.Outbound) {
	select {
	case c.out <- out:
	case <-ctx.Done():
	}
}

func (c *wsConn) sendError(ctx context.Context, code, msg string) {
	c.send(ctx, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}

func (c *wsConn) sendErr(ctx context.Context, err error) {
	code := core.CodeOf(err)
	if code == core.ErrCodeInternal || code == core.ErrCodeUnavailable {
		c.log.Error().Err(err).Msg("ws request failed")
	}
	c.sendError(ctx, code, publicMessage(code, err))
}

// truncateReason keeps close reasons within the 123 byte limit of a close frame.
func truncateReason(reason string) string {
	const maxReason = 120
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
