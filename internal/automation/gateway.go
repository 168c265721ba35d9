package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/policy"
	"github.com/ent0n29/callroom/internal/reliability"
)

const (
	gatewayConnectWriteTimeout = 3 * time.Second
	gatewayCallWriteTimeout    = 2 * time.Second
	gatewayConnectTimeout      = 6 * time.Second
)

// GatewayPlatform talks to the automation bridge that holds the privileged identity's
// session. One websocket connection is kept and re-dialed lazily after it breaks.
type GatewayPlatform struct {
	wsURL  string
	token  string
	dialer websocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	ws   *gatewayWS
}

type gatewayFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
}

type gatewayError struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

type gatewayRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type connectParams struct {
	Token string `json:"token,omitempty"`
	Role  string `json:"role"`
}

type createRoomParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type createRoomResult struct {
	RoomID int64 `json:"room_id"`
}

type promoteParams struct {
	RoomID     int64      `json:"room_id"`
	MemberID   int64      `json:"member_id"`
	Privileges Privileges `json:"privileges"`
}

type inviteParams struct {
	RoomID    int64   `json:"room_id"`
	MemberIDs []int64 `json:"member_ids"`
}

type deleteParams struct {
	RoomID int64 `json:"room_id"`
}

func NewGatewayPlatform(wsURL, token string, logger zerolog.Logger) (*GatewayPlatform, error) {
	wsURL, err := normalizeGatewayURL(wsURL)
	if err != nil {
		return nil, err
	}
	return &GatewayPlatform{
		wsURL:  wsURL,
		token:  strings.TrimSpace(token),
		logger: logger,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}, nil
}

func normalizeGatewayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("automation gateway url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse AUTOMATION_GATEWAY_URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (g *GatewayPlatform) CreateRoom(ctx context.Context, title, description string) (int64, error) {
	var out createRoomResult
	if err := g.call(ctx, MethodCreateRoom, createRoomParams{Title: title, Description: description}, &out); err != nil {
		return 0, err
	}
	if out.RoomID == 0 {
		return 0, NewPlatformError(MethodCreateRoom, CodeInternal, "gateway returned no room id")
	}
	return out.RoomID, nil
}

func (g *GatewayPlatform) PromoteMember(ctx context.Context, roomID, memberID int64, privileges Privileges) error {
	return g.call(ctx, MethodPromoteMember, promoteParams{RoomID: roomID, MemberID: memberID, Privileges: privileges}, nil)
}

func (g *GatewayPlatform) InviteMembers(ctx context.Context, roomID int64, memberIDs []int64) error {
	return g.call(ctx, MethodInviteMembers, inviteParams{RoomID: roomID, MemberIDs: memberIDs}, nil)
}

func (g *GatewayPlatform) DeleteRoom(ctx context.Context, roomID int64) error {
	return g.call(ctx, MethodDeleteRoom, deleteParams{RoomID: roomID}, nil)
}

// Close drops the current connection.
func (g *GatewayPlatform) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked()
	return nil
}

func (g *GatewayPlatform) call(ctx context.Context, method string, params, out any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var (
			perr *PlatformError
			rl   *RateLimitedError
		)
		switch {
		case errors.As(err, &perr):
			perr.Method = method
			return perr
		case errors.As(err, &rl):
			rl.Method = method
			return rl
		}
		return NewPlatformError(method, CodeUnavailable, err.Error())
	}

	id := uuid.NewString()
	req := gatewayRequest{Type: "req", ID: id, Method: method, Params: params}
	if err := writeGatewayJSON(g.conn, req, gatewayCallWriteTimeout); err != nil {
		g.dropLocked()
		return NewPlatformError(method, CodeUnavailable, fmt.Sprintf("gateway write: %v", err))
	}

	frame, err := g.ws.waitForResponse(ctx, id)
	if err != nil {
		g.dropLocked()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewPlatformError(method, CodeUnavailable, err.Error())
	}
	if !frame.OK {
		return errorFromFrame(method, frame.Error, g.token)
	}
	if out != nil && len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, out); err != nil {
			return NewPlatformError(method, CodeInternal, fmt.Sprintf("decode %s payload: %v", method, err))
		}
	}
	return nil
}

// errorFromFrame maps a gateway error frame. Platform text is redacted before it can
// reach logs or a persisted cancel reason.
func errorFromFrame(method string, gerr *gatewayError, token string) error {
	if gerr == nil {
		return NewPlatformError(method, CodeInternal, "gateway request failed")
	}
	if gerr.Code == CodeFloodWait {
		return &RateLimitedError{
			Method:     method,
			RetryAfter: time.Duration(gerr.RetryAfter * float64(time.Second)),
		}
	}
	return NewPlatformError(method, gerr.Code, policy.RedactPlatformMessage(gerr.Message, token))
}

func (g *GatewayPlatform) ensureConnectedLocked(ctx context.Context) error {
	if g.conn != nil && g.ws != nil {
		return nil
	}

	conn, resp, err := g.dialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		if resp != nil {
			code := CodeUnavailable
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				code = CodeForbidden
			}
			return NewPlatformError("connect", code, fmt.Sprintf("gateway dial failed (%s): %v", resp.Status, err))
		}
		return fmt.Errorf("gateway dial failed: %w", err)
	}

	ws := newGatewayWS(conn)
	connectID := uuid.NewString()
	connectReq := gatewayRequest{
		Type:   "req",
		ID:     connectID,
		Method: "connect",
		Params: connectParams{Token: g.token, Role: "automation"},
	}
	if err := writeGatewayJSON(conn, connectReq, gatewayConnectWriteTimeout); err != nil {
		ws.close()
		return fmt.Errorf("gateway connect write: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, gatewayConnectTimeout)
	defer cancel()
	frame, err := ws.waitForResponse(connectCtx, connectID)
	if err != nil {
		ws.close()
		return fmt.Errorf("gateway connect: %w", err)
	}
	if !frame.OK {
		ws.close()
		return errorFromFrame("connect", frame.Error, g.token)
	}

	g.conn = conn
	g.ws = ws
	g.logger.Info().Str(log.FieldEvent, "gateway.connected").Str("url", g.wsURL).Msg("automation gateway connected")
	return nil
}

func (g *GatewayPlatform) dropLocked() {
	if g.ws != nil {
		g.ws.close()
	}
	g.conn = nil
	g.ws = nil
}

type gatewayWS struct {
	conn      *websocket.Conn
	msgs      chan []byte
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newGatewayWS(conn *websocket.Conn) *gatewayWS {
	ws := &gatewayWS{
		conn: conn,
		msgs: make(chan []byte, 64),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(ws.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ws.errs <- err
				return
			}
			select {
			case ws.msgs <- data:
			case <-ws.done:
				return
			}
		}
	}()
	return ws
}

func (ws *gatewayWS) close() {
	ws.closeOnce.Do(func() {
		close(ws.done)
		_ = ws.conn.Close()
	})
}

func (ws *gatewayWS) nextFrame(ctx context.Context) (gatewayFrame, error) {
	var data []byte
	select {
	case <-ctx.Done():
		return gatewayFrame{}, ctx.Err()
	case msg, ok := <-ws.msgs:
		if !ok {
			select {
			case err := <-ws.errs:
				return gatewayFrame{}, fmt.Errorf("gateway connection closed: %w", err)
			default:
				return gatewayFrame{}, errors.New("gateway connection closed")
			}
		}
		data = msg
	}
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return gatewayFrame{}, fmt.Errorf("gateway frame parse: %w", err)
	}
	return frame, nil
}

// waitForResponse skips events and responses for other ids.
func (ws *gatewayWS) waitForResponse(ctx context.Context, id string) (gatewayFrame, error) {
	for {
		frame, err := ws.nextFrame(ctx)
		if err != nil {
			return gatewayFrame{}, err
		}
		if frame.Type == "res" && frame.ID == id {
			return frame, nil
		}
	}
}

func writeGatewayJSON(conn *websocket.Conn, payload any, timeout time.Duration) error {
	if conn == nil {
		return errors.New("gateway connection is nil")
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(payload)
}
