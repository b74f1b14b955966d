package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api/v1", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConversationsWrappedAndBare(t *testing.T) {
	payloads := map[string]string{
		"wrapped": `{"conversations":[{"_id":"c1","participants":[{"_id":"u1"}]}]}`,
		"bare":    `[{"_id":"c1","participants":[{"_id":"u1"}]}]`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/messages/conversations" {
					t.Errorf("path = %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(payload))
			}))

			convs, err := c.Conversations(context.Background())
			if err != nil {
				t.Fatalf("Conversations() error = %v", err)
			}
			if len(convs) != 1 || convs[0].ID != "c1" {
				t.Errorf("convs = %+v, want one c1", convs)
			}
		})
	}
}

func TestSendMessageMultipart(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("message"); got != "hello" {
			t.Errorf("message field = %q", got)
		}
		if got := r.FormValue("recipientId"); got != "u2" {
			t.Errorf("recipientId field = %q", got)
		}
		if got := r.FormValue("conversationId"); got != "" {
			t.Errorf("conversationId should be omitted for mock sends, got %q", got)
		}
		files := r.MultipartForm.File["files"]
		if len(files) != 1 || files[0].Filename != "pic.png" {
			t.Errorf("files = %v", files)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"_id": "srv-1", "conversationId": "c9", "sender": "u1", "text": "hello"},
		})
	}))

	msg, err := c.SendMessage(context.Background(), SendRequest{
		RecipientID: "u2",
		Text:        "hello",
		Attachments: []Attachment{{Name: "pic.png", ContentType: "image/png", Reader: strings.NewReader("fake")}},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "srv-1" || msg.ConversationID != "c9" {
		t.Errorf("message = %+v", msg)
	}
}

func TestRefreshRetryOn401(t *testing.T) {
	var calls []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/api/v1/messages/conversations":
			if len(calls) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"token expired"}`))
				return
			}
			_, _ = w.Write([]byte(`[]`))
		case "/api/v1/auth/refresh-token":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	if _, err := c.Conversations(context.Background()); err != nil {
		t.Fatalf("Conversations() after refresh error = %v", err)
	}
	want := []string{"/api/v1/messages/conversations", "/api/v1/auth/refresh-token", "/api/v1/messages/conversations"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestNo401RetryOnAuthEndpoints(t *testing.T) {
	count := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := c.Me(context.Background()); err == nil {
		t.Fatal("Me() should fail on 401")
	}
	if count != 1 {
		t.Errorf("auth endpoint retried %d times, want no retry", count-1)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"conversation not found"}`))
	}))

	err := c.DeleteConversation(context.Background(), "ghost")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "conversation not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestCallToken(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rtc/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["roomID"] != "u1_u2" || body["userID"] != "u1" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	}))

	tok, err := c.CallToken(context.Background(), "u1_u2", "u1")
	if err != nil {
		t.Fatalf("CallToken() error = %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q", tok)
	}
}

func TestCallTokenEmptyFails(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	if _, err := c.CallToken(context.Background(), "r", "u"); err == nil {
		t.Error("empty token should be an error")
	}
}
