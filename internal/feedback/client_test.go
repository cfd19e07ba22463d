package feedback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientPost(t *testing.T) {
	var gotBody map[string]any
	var gotHeader, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotHeader = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &gotBody); err != nil {
			t.Errorf("body not JSON: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, map[string]string{"Authorization": "Bearer t"}, time.Second)
	err := c.Post(context.Background(), Payload{
		User:           "u1",
		Feedback:       ThumbsDown,
		Interface:      "discord",
		InterfaceData:  InterfaceData{Channel: "c1"},
		Data:           json.RawMessage(`{"session":"s1"}`),
		FeedbackReason: "too vague",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if gotHeader != "Bearer t" {
		t.Errorf("Authorization = %q", gotHeader)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	want := map[string]any{
		"user":            "u1",
		"feedback":        "thumbs_down",
		"interface":       "discord",
		"feedback_reason": "too vague",
	}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("body[%s] = %v, want %v", k, gotBody[k], v)
		}
	}
	if ch := gotBody["interface_data"].(map[string]any)["channel"]; ch != "c1" {
		t.Errorf("interface_data.channel = %v", ch)
	}
	if s := gotBody["data"].(map[string]any)["session"]; s != "s1" {
		t.Errorf("data.session = %v", s)
	}
}

func TestClientPostOmitsEmptyReason(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, 0)
	if err := c.Post(context.Background(), Payload{User: "u", Feedback: ThumbsUp}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, ok := gotBody["feedback_reason"]; ok {
		t.Error("feedback_reason present for empty reason")
	}
	if _, ok := gotBody["data"].(map[string]any); !ok {
		t.Errorf("data = %v, want empty object", gotBody["data"])
	}
}

func TestClientPostStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"created", http.StatusCreated, false},
		{"server error", http.StatusInternalServerError, true},
		{"unauthorized", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewClient(srv.URL, nil, time.Second).Post(context.Background(), Payload{})
			if (err != nil) != tt.wantErr {
				t.Errorf("Post() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContextsEvictsOldest(t *testing.T) {
	c := NewContexts(2)
	c.Put("a", Context{Channel: "1"})
	c.Put("b", Context{Channel: "2"})
	c.Put("a", Context{Channel: "1b"})
	c.Put("c", Context{Channel: "3"})

	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry a kept past cap")
	}
	if got, ok := c.Get("c"); !ok || got.Channel != "3" {
		t.Errorf("Get(c) = %+v, %v", got, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}
