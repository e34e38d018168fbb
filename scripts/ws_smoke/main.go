package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vovakirdan/itemchat-server/internal/proto"
)

type account struct {
	id    int64
	token string
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	suffix := uuid.NewString()[:8]
	owner, err := register(ctx, *server, "owner-"+suffix)
	if err != nil {
		return err
	}
	finder, err := register(ctx, *server, "finder-"+suffix)
	if err != nil {
		return err
	}

	var item struct {
		ID int64 `json:"id"`
	}
	if err := postJSON(ctx, *server+"/api/items", owner.token, map[string]string{"title": "smoke umbrella", "status": "lost"}, &item); err != nil {
		return fmt.Errorf("create item: %w", err)
	}

	var conv struct {
		ID      int64  `json:"id"`
		Outcome string `json:"outcome"`
	}
	if err := postJSON(ctx, *server+"/api/conversations", finder.token, map[string]int64{"item_id": item.ID, "counterpart_id": owner.id}, &conv); err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	fmt.Printf("Conversation %d (%s)\n", conv.ID, conv.Outcome)

	wsBase := strings.Replace(*server, "http", "ws", 1) + "/ws?token="
	ownerConn, _, err := websocket.Dial(ctx, wsBase+owner.token, nil)
	if err != nil {
		return fmt.Errorf("dial owner: %w", err)
	}
	defer ownerConn.Close(websocket.StatusNormalClosure, "bye")

	finderConn, _, err := websocket.Dial(ctx, wsBase+finder.token, nil)
	if err != nil {
		return fmt.Errorf("dial finder: %w", err)
	}
	defer finderConn.Close(websocket.StatusNormalClosure, "bye")

	for _, conn := range []*websocket.Conn{ownerConn, finderConn} {
		if err := send(ctx, conn, proto.InboundTypeOpen, proto.OpenData{ConversationID: conv.ID}); err != nil {
			return err
		}
		if _, err := waitFor(ctx, conn, proto.EventHistory); err != nil {
			return err
		}
	}

	if err := send(ctx, finderConn, proto.InboundTypeMsg, proto.MsgData{Content: *text}); err != nil {
		return err
	}

	raw, err := waitFor(ctx, ownerConn, proto.EventMessage)
	if err != nil {
		return err
	}
	var batch proto.EventBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	for _, m := range batch.Messages {
		fmt.Printf("EventMessage: conversation=%d seq=%d sender=%d content=%q ts=%d\n", m.ConversationID, m.Seq, m.SenderID, m.Content, m.TS)
	}
	return nil
}

func register(ctx context.Context, server, username string) (account, error) {
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	body := map[string]string{"username": username, "password": "smoke-secret"}
	if err := postJSON(ctx, server+"/api/register", "", body, &resp); err != nil {
		return account{}, fmt.Errorf("register %s: %w", username, err)
	}
	return account{id: resp.User.ID, token: resp.Token}, nil
}

func postJSON(ctx context.Context, url, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func send(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// waitFor prints frames until the named event arrives and returns its payload.
func waitFor(ctx context.Context, conn *websocket.Conn, event string) (json.RawMessage, error) {
	for {
		var outbound struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error *proto.Error    `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received outbound: type=%s", outbound.Type)
		if outbound.Event != "" {
			fmt.Printf(" event=%s", outbound.Event)
		}
		fmt.Println()

		if outbound.Error != nil {
			return nil, fmt.Errorf("server error %s: %s", outbound.Error.Code, outbound.Error.Msg)
		}
		if outbound.Event == event {
			return outbound.Data, nil
		}
	}
}
