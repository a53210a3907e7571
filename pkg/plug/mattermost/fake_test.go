// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeMM serves the parts of the Mattermost REST API the plug calls. Tests
// seed its maps directly before exercising the plug.
type fakeMM struct {
	Server *httptest.Server

	Users          map[string]*model.User
	Channels       map[string]*model.Channel
	ChannelMembers map[string]model.ChannelMembers
	Files          map[string]*model.FileInfo
	// FailEndpoints makes every path containing one of its keys answer 500.
	FailEndpoints map[string]bool

	tokens map[string]string

	mu    sync.Mutex
	posts [][]byte
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users:          map[string]*model.User{"my-user-id": {Id: "my-user-id", Username: "relay"}},
		Channels:       make(map[string]*model.Channel),
		ChannelMembers: make(map[string]model.ChannelMembers),
		Files:          make(map[string]*model.FileInfo),
		FailEndpoints:  make(map[string]bool),
		tokens:         map[string]string{"test-token": "my-user-id"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/users/me", f.me)
	mux.HandleFunc("GET /api/v4/users/{id}", lookup(f.Users))
	mux.HandleFunc("GET /api/v4/channels/{id}", lookup(f.Channels))
	mux.HandleFunc("GET /api/v4/channels/{id}/members", f.members)
	mux.HandleFunc("GET /api/v4/files/{id}/info", lookup(f.Files))
	mux.HandleFunc("POST /api/v4/posts", f.createPost)
	f.Server = httptest.NewServer(f.failing(mux))
	t.Cleanup(f.Server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeMM) failing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for fragment := range f.FailEndpoints {
			if strings.Contains(r.URL.Path, fragment) {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "injected failure"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// lookup answers with the entry of m named by the {id} path value.
func lookup[V any](m map[string]V) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := m[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such object"})
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (f *fakeMM) me(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(strings.TrimPrefix(token, "BEARER "), "Bearer ")
	uid, ok := f.tokens[token]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, f.Users[uid])
}

func (f *fakeMM) members(w http.ResponseWriter, r *http.Request) {
	members := f.ChannelMembers[r.PathValue("id")]
	if members == nil {
		members = model.ChannelMembers{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (f *fakeMM) createPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	f.mu.Lock()
	f.posts = append(f.posts, body)
	f.mu.Unlock()

	var post model.Post
	_ = json.Unmarshal(body, &post)
	post.Id = "created-post-id"
	writeJSON(w, http.StatusCreated, &post)
}

// LastPost decodes the body of the most recent post creation.
func (f *fakeMM) LastPost(t *testing.T) *model.Post {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.posts, "no post was created")
	var post model.Post
	require.NoError(t, json.Unmarshal(f.posts[len(f.posts)-1], &post))
	return &post
}

// fakeSocket stands in for a WebSocket connection.
type fakeSocket struct {
	events chan *model.WebSocketEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan *model.WebSocketEvent, 8), closed: make(chan struct{})}
}

func (s *fakeSocket) Events() <-chan *model.WebSocketEvent { return s.events }
func (s *fakeSocket) Close()                               { s.once.Do(func() { close(s.closed) }) }

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent wraps a post the way the server broadcasts it.
func postedEvent(t *testing.T, post *model.Post, sender string) *model.WebSocketEvent {
	t.Helper()
	data, err := json.Marshal(post)
	require.NoError(t, err)
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":        string(data),
		"sender_name": "@" + sender,
	})
}

// newTestPlug creates a plug against the fake server and opens it.
func newTestPlug(t *testing.T, f *fakeMM, mutate ...func(*Config)) *Plug {
	t.Helper()
	cfg := &Config{ServerURL: f.Server.URL, Token: "test-token"}
	for _, fn := range mutate {
		fn(cfg)
	}
	require.NoError(t, cfg.PostProcess())
	p := New("mm", cfg, zerolog.Nop())
	require.NoError(t, p.Open(context.Background()))
	return p
}
