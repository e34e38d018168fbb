package http

import (
	"fmt"
	stdhttp "net/http"
	"testing"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/service/projector"
)

func TestRegisterLoginAndMe(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.register(t, "alice", "")

	var errResp ErrorResponse
	status := ts.doJSON(t, stdhttp.MethodPost, "/api/register", "", RegisterRequest{Username: "alice", Password: "secret123"}, &errResp)
	if status != stdhttp.StatusConflict || errResp.Code != core.ErrCodeConflict {
		t.Fatalf("duplicate register: got %d %+v", status, errResp)
	}

	status = ts.doJSON(t, stdhttp.MethodPost, "/api/register", "", map[string]string{"username": "al"}, &errResp)
	if status != stdhttp.StatusBadRequest {
		t.Fatalf("invalid register: got %d", status)
	}

	var login AuthResponse
	status = ts.doJSON(t, stdhttp.MethodPost, "/api/login", "", LoginRequest{Username: "alice", Password: "secret123"}, &login)
	if status != stdhttp.StatusOK || login.Token == "" || login.User.ID != alice.ID {
		t.Fatalf("login: got %d %+v", status, login)
	}

	status = ts.doJSON(t, stdhttp.MethodPost, "/api/login", "", LoginRequest{Username: "alice", Password: "wrong-pass"}, &errResp)
	if status != stdhttp.StatusUnauthorized || errResp.Code != core.ErrCodeUnauthenticated {
		t.Fatalf("bad login: got %d %+v", status, errResp)
	}

	var me UserResponse
	status = ts.doJSON(t, stdhttp.MethodGet, "/api/me", login.Token, nil, &me)
	if status != stdhttp.StatusOK || me.Username != "alice" || me.DisplayName != "alice" {
		t.Fatalf("me: got %d %+v", status, me)
	}

	status = ts.doJSON(t, stdhttp.MethodGet, "/api/users/999", login.Token, nil, &errResp)
	if status != stdhttp.StatusNotFound {
		t.Fatalf("unknown user: got %d", status)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := startTestServer(t)

	paths := []string{"/api/me", "/api/conversations", "/api/conversations/1/messages"}
	for _, path := range paths {
		var errResp ErrorResponse
		status := ts.doJSON(t, stdhttp.MethodGet, path, "", nil, &errResp)
		if status != stdhttp.StatusUnauthorized || errResp.Code != core.ErrCodeUnauthenticated {
			t.Fatalf("%s without token: got %d %+v", path, status, errResp)
		}
	}

	var errResp ErrorResponse
	status := ts.doJSON(t, stdhttp.MethodGet, "/api/me", "garbage", nil, &errResp)
	if status != stdhttp.StatusUnauthorized {
		t.Fatalf("garbage token: got %d", status)
	}
}

func TestResolveOrCreateConversation(t *testing.T) {
	ts := startTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")
	itemID := ts.createItem(t, alice, "Red bicycle")

	var first ConversationResponse
	status := ts.doJSON(t, stdhttp.MethodPost, "/api/conversations", bob.Token, ResolveRequest{ItemID: itemID, CounterpartID: alice.ID}, &first)
	if status != stdhttp.StatusCreated || first.Outcome != "created" {
		t.Fatalf("first resolve: got %d %+v", status, first)
	}
	if first.ParticipantA != alice.ID || first.ParticipantB != bob.ID {
		t.Fatalf("participants not in canonical order: %+v", first)
	}

	// Either side of the pair resolves to the same conversation.
	for _, req := range []struct {
		user        testUser
		counterpart int64
	}{
		{user: bob, counterpart: alice.ID},
		{user: alice, counterpart: bob.ID},
	} {
		var again ConversationResponse
		status = ts.doJSON(t, stdhttp.MethodPost, "/api/conversations", req.user.Token, ResolveRequest{ItemID: itemID, CounterpartID: req.counterpart}, &again)
		if status != stdhttp.StatusOK || again.Outcome != "already_existed" || again.ID != first.ID {
			t.Fatalf("repeat resolve: got %d %+v", status, again)
		}
	}

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "self", body: ResolveRequest{ItemID: itemID, CounterpartID: bob.ID}, status: stdhttp.StatusForbidden, code: core.ErrCodeUnauthorized},
		{name: "unknown item", body: ResolveRequest{ItemID: 4242, CounterpartID: alice.ID}, status: stdhttp.StatusNotFound, code: core.ErrCodeNotFound},
		{name: "unknown counterpart", body: ResolveRequest{ItemID: itemID, CounterpartID: 4242}, status: stdhttp.StatusNotFound, code: core.ErrCodeNotFound},
		{name: "missing fields", body: map[string]int{"item_id": 1}, status: stdhttp.StatusBadRequest, code: core.ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			status := ts.doJSON(t, stdhttp.MethodPost, "/api/conversations", bob.Token, tt.body, &errResp)
			if status != tt.status || errResp.Code != tt.code {
				t.Fatalf("got %d %+v, want %d %s", status, errResp, tt.status, tt.code)
			}
		})
	}
}

func TestConversationMessages(t *testing.T) {
	ts := startTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")
	carol := ts.register(t, "carol", "Carol")
	conv := ts.resolve(t, bob, ts.createItem(t, alice, "Passport"), alice.ID)
	path := fmt.Sprintf("/api/conversations/%d/messages", conv.ID)

	first := ts.postMessage(t, bob, conv.ID, "I found it")
	second := ts.postMessage(t, alice, conv.ID, "thank you!")
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected seqs: %d, %d", first.Seq, second.Seq)
	}

	var all []MessageResponse
	if status := ts.doJSON(t, stdhttp.MethodGet, path, alice.Token, nil, &all); status != stdhttp.StatusOK {
		t.Fatalf("list messages: got %d", status)
	}
	if len(all) != 2 || all[0].Content != "I found it" || all[1].Content != "thank you!" {
		t.Fatalf("unexpected messages: %+v", all)
	}

	var tail []MessageResponse
	ts.doJSON(t, stdhttp.MethodGet, path+"?after=1", bob.Token, nil, &tail)
	if len(tail) != 1 || tail[0].Seq != 2 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	var none []MessageResponse
	ts.doJSON(t, stdhttp.MethodGet, path+"?after=2", bob.Token, nil, &none)
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %+v", none)
	}

	tests := []struct {
		name   string
		method string
		path   string
		user   testUser
		body   any
		status int
		code   string
	}{
		{name: "blank content", method: stdhttp.MethodPost, path: path, user: bob, body: PostMessageRequest{Content: "   "}, status: stdhttp.StatusBadRequest, code: core.ErrCodeValidation},
		{name: "outsider post", method: stdhttp.MethodPost, path: path, user: carol, body: PostMessageRequest{Content: "hi"}, status: stdhttp.StatusForbidden, code: core.ErrCodeUnauthorized},
		{name: "outsider read", method: stdhttp.MethodGet, path: path, user: carol, status: stdhttp.StatusForbidden, code: core.ErrCodeUnauthorized},
		{name: "unknown conversation", method: stdhttp.MethodGet, path: "/api/conversations/999/messages", user: bob, status: stdhttp.StatusNotFound, code: core.ErrCodeNotFound},
		{name: "bad cursor", method: stdhttp.MethodGet, path: path + "?after=-1", user: bob, status: stdhttp.StatusBadRequest, code: core.ErrCodeBadRequest},
		{name: "bad id", method: stdhttp.MethodGet, path: "/api/conversations/abc/messages", user: bob, status: stdhttp.StatusBadRequest, code: core.ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			status := ts.doJSON(t, tt.method, tt.path, tt.user.Token, tt.body, &errResp)
			if status != tt.status || errResp.Code != tt.code {
				t.Fatalf("got %d %+v, want %d %s", status, errResp, tt.status, tt.code)
			}
		})
	}
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	ts := startTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")
	carol := ts.register(t, "carol", "Carol")

	older := ts.resolve(t, bob, ts.createItem(t, alice, "Watch"), alice.ID)
	newer := ts.resolve(t, carol, ts.createItem(t, alice, "Camera"), alice.ID)

	var list []projector.Summary
	ts.doJSON(t, stdhttp.MethodGet, "/api/conversations", alice.Token, nil, &list)
	if len(list) != 2 || list[0].ConversationID != newer.ID || list[1].ConversationID != older.ID {
		t.Fatalf("unexpected order: %+v", list)
	}

	// A new message moves the older conversation to the top.
	ts.postMessage(t, bob, older.ID, "is the watch still there?")

	ts.doJSON(t, stdhttp.MethodGet, "/api/conversations", alice.Token, nil, &list)
	if len(list) != 2 || list[0].ConversationID != older.ID {
		t.Fatalf("expected recently active conversation first: %+v", list)
	}
	if list[0].ItemTitle != "Watch" || list[0].CounterpartID != bob.ID || list[0].CounterpartName != "Bob" {
		t.Fatalf("unexpected summary: %+v", list[0])
	}

	var bobList []projector.Summary
	ts.doJSON(t, stdhttp.MethodGet, "/api/conversations", bob.Token, nil, &bobList)
	if len(bobList) != 1 || bobList[0].CounterpartName != "Alice" {
		t.Fatalf("unexpected list for bob: %+v", bobList)
	}
}

func TestItems(t *testing.T) {
	ts := startTestServer(t)
	alice := ts.register(t, "alice", "Alice")

	var created ItemResponse
	status := ts.doJSON(t, stdhttp.MethodPost, "/api/items", alice.Token, CreateItemRequest{Title: "  Green scarf ", Status: "lost"}, &created)
	if status != stdhttp.StatusCreated || created.Title != "Green scarf" || created.OwnerID != alice.ID || created.Status != "lost" {
		t.Fatalf("create item: got %d %+v", status, created)
	}

	var fetched ItemResponse
	status = ts.doJSON(t, stdhttp.MethodGet, fmt.Sprintf("/api/items/%d", created.ID), alice.Token, nil, &fetched)
	if status != stdhttp.StatusOK || fetched.ID != created.ID {
		t.Fatalf("get item: got %d %+v", status, fetched)
	}

	var errResp ErrorResponse
	status = ts.doJSON(t, stdhttp.MethodPost, "/api/items", alice.Token, CreateItemRequest{Title: "x", Status: "stolen"}, &errResp)
	if status != stdhttp.StatusBadRequest {
		t.Fatalf("invalid status: got %d", status)
	}
	status = ts.doJSON(t, stdhttp.MethodGet, "/api/items/777", alice.Token, nil, &errResp)
	if status != stdhttp.StatusNotFound {
		t.Fatalf("unknown item: got %d", status)
	}
}
