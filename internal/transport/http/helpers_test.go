package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/auth"
	"github.com/vovakirdan/itemchat-server/internal/cache"
	"github.com/vovakirdan/itemchat-server/internal/config"
	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/proto"
	"github.com/vovakirdan/itemchat-server/internal/service/directory"
	"github.com/vovakirdan/itemchat-server/internal/service/messages"
	"github.com/vovakirdan/itemchat-server/internal/service/projector"
	"github.com/vovakirdan/itemchat-server/internal/store/sqlite"
)

type testServer struct {
	*httptest.Server
	store    *sqlite.SQLiteStore
	hub      *core.Hub
	messages *messages.Service
}

// startTestServer wires the full stack over an in-memory database.
func startTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.RateLimitPerMinute = 0
	for _, m := range mutate {
		m(&cfg)
	}

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()

	hubCtx, cancel := context.WithCancel(context.Background())
	hub := core.NewHub(cfg.SubscriberBuffer, &logger)
	go hub.Run(hubCtx)

	proj := projector.New(st, cache.NewMemory(), cfg.Cache.TTL, &logger)
	deps := Deps{
		Auth:      createTestAuthService(t, st, "test-secret"),
		Store:     st,
		Directory: directory.New(st, proj, &logger),
		Messages: messages.New(st, hub, messages.Options{
			MaxContentLength: cfg.MaxContentLength,
			Projector:        proj,
			Logger:           &logger,
		}),
		Projector: proj,
	}

	ts := httptest.NewServer(NewRouter(deps, &cfg, &logger))
	// Cleanups run in reverse: close the server before stopping the hub.
	t.Cleanup(cancel)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, store: st, hub: hub, messages: deps.Messages}
}

// createTestAuthService creates an auth service for testing.
func createTestAuthService(t *testing.T, st *sqlite.SQLiteStore, jwtSecret string) *auth.Service {
	t.Helper()

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(jwtSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}

	return auth.NewService(st, jwtConfig)
}

// doJSON sends body as JSON and decodes the response into out when out is non-nil.
func (ts *testServer) doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := stdhttp.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type testUser struct {
	ID    int64
	Token string
}

func (ts *testServer) register(t *testing.T, username, displayName string) testUser {
	t.Helper()

	var resp AuthResponse
	status := ts.doJSON(t, stdhttp.MethodPost, "/api/register", "", RegisterRequest{
		Username:    username,
		DisplayName: displayName,
		Password:    "secret123",
	}, &resp)
	if status != stdhttp.StatusCreated {
		t.Fatalf("register %s: unexpected status %d", username, status)
	}
	return testUser{ID: resp.User.ID, Token: resp.Token}
}

func (ts *testServer) createItem(t *testing.T, owner testUser, title string) int64 {
	t.Helper()

	var resp ItemResponse
	status := ts.doJSON(t, stdhttp.MethodPost, "/api/items", owner.Token, CreateItemRequest{Title: title, Status: "found"}, &resp)
	if status != stdhttp.StatusCreated {
		t.Fatalf("create item: unexpected status %d", status)
	}
	return resp.ID
}

func (ts *testServer) resolve(t *testing.T, requester testUser, itemID, counterpartID int64) ConversationResponse {
	t.Helper()

	var resp ConversationResponse
	status := ts.doJSON(t, stdhttp.MethodPost, "/api/conversations", requester.Token, ResolveRequest{
		ItemID:        itemID,
		CounterpartID: counterpartID,
	}, &resp)
	if status != stdhttp.StatusCreated && status != stdhttp.StatusOK {
		t.Fatalf("resolve conversation: unexpected status %d", status)
	}
	return resp
}

func (ts *testServer) postMessage(t *testing.T, sender testUser, conversationID int64, content string) MessageResponse {
	t.Helper()

	var resp MessageResponse
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	status := ts.doJSON(t, stdhttp.MethodPost, path, sender.Token, PostMessageRequest{Content: content}, &resp)
	if status != stdhttp.StatusCreated {
		t.Fatalf("post message: unexpected status %d", status)
	}
	return resp
}

func (ts *testServer) wsURL(token string) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + "/ws?token=" + token
}

// outboundFrame mirrors proto.Outbound with the payload left raw.
type outboundFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func dialWS(ctx context.Context, t *testing.T, ts *testServer, user testUser) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, ts.wsURL(user.Token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	hello := readFrame(ctx, t, conn)
	if hello.Event != proto.EventHello {
		t.Fatalf("expected hello, got %+v", hello)
	}
	return conn
}

func writeInbound(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()

	var raw json.RawMessage
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal inbound: %v", err)
		}
		raw = payload
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: raw}); err != nil {
		t.Fatalf("write inbound: %v", err)
	}
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()

	var out outboundFrame
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return out
}

// readEvent skips frames until the named event arrives.
func readEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, event string) outboundFrame {
	t.Helper()

	for {
		out := readFrame(ctx, t, conn)
		if out.Type == proto.OutboundTypeError {
			t.Fatalf("waiting for %s, got error %+v", event, out.Error)
		}
		if out.Event == event {
			return out
		}
	}
}

func decodeBatch(t *testing.T, out outboundFrame) proto.EventBatch {
	t.Helper()

	var batch proto.EventBatch
	if err := json.Unmarshal(out.Data, &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return batch
}
