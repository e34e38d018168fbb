package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/itemchat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	user := flag.String("user", "", "username")
	password := flag.String("password", "", "password")
	conversation := flag.Int64("conversation", 0, "conversation to open")
	flag.Parse()

	if *user == "" || *conversation <= 0 {
		return errors.New("-user and -conversation are required")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	token, err := login(ctx, *server, *user, *password)
	if err != nil {
		return err
	}

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	openPayload, err := json.Marshal(proto.OpenData{ConversationID: *conversation})
	if err != nil {
		return fmt.Errorf("marshal open: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeOpen, Data: openPayload}); err != nil {
		return fmt.Errorf("open: %w", err)
	}

	fmt.Printf("Connected to %s as %s in conversation %d\n", *server, *user, *conversation)
	fmt.Println("Type messages and press Enter to send. /sync polls for missed messages. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func login(ctx context.Context, server, user, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{"username": user, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: unexpected status %s", resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return body.Token, nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var outbound struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error *proto.Error    `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		if outbound.Error != nil {
			fmt.Printf("error %s: %s\n", outbound.Error.Code, outbound.Error.Msg)
			continue
		}

		switch outbound.Event {
		case proto.EventHistory, proto.EventMessage, proto.EventResync:
			var batch proto.EventBatch
			if err := json.Unmarshal(outbound.Data, &batch); err != nil {
				log.Printf("unmarshal %s: %v", outbound.Event, err)
				continue
			}
			if outbound.Event == proto.EventResync {
				fmt.Printf("-- resynced %d message(s)\n", len(batch.Messages))
			}
			for _, m := range batch.Messages {
				ts := time.UnixMilli(m.TS).Format(time.Kitchen)
				fmt.Printf("[#%d %s] user %d: %s\n", m.Seq, ts, m.SenderID, m.Content)
			}
		case proto.EventClosed:
			fmt.Printf("conversation closed: %s\n", outbound.Data)
		case proto.EventSent:
			// own messages come back through the push stream
		default:
			fmt.Printf("event=%s data=%s\n", outbound.Event, outbound.Data)
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			inbound := proto.Inbound{Type: proto.InboundTypeMsg}
			if text == "/sync" {
				inbound.Type = proto.InboundTypeSync
			} else {
				payload, err := json.Marshal(proto.MsgData{Content: text})
				if err != nil {
					log.Printf("marshal msg: %v", err)
					return
				}
				inbound.Data = payload
			}
			if err := wsjson.Write(ctx, conn, inbound); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
