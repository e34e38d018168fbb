package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/itemchat-server/internal/store"
)

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(buffer, nil)
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func mustMessage(t *testing.T, sub *Subscription) store.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("expected message, got error %v", err)
	}
	return msg
}

func mustNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()

	select {
	case msg := <-sub.Events():
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustClosed(t *testing.T, sub *Subscription, want error) {
	t.Helper()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed")
	}
	if sub.Err() != want {
		t.Fatalf("expected close reason %v, got %v", want, sub.Err())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func msg(conversationID, seq int64, content string) store.Message {
	return store.Message{
		ID:             seq,
		ConversationID: conversationID,
		Seq:            seq,
		Content:        content,
		CreatedAt:      time.Unix(seq, 0).UTC(),
	}
}
