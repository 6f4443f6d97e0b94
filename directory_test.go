package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, handler http.HandlerFunc) *DirectoryClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDirectoryClient(srv.URL+"/api", StaticToken("tok-1"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDirectoryClient(t *testing.T) {
	t.Run("conversations", func(t *testing.T) {
		c := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/api/messages/conversations", r.URL.Path)
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, []map[string]any{{
				"id":           "c1",
				"type":         "direct",
				"participants": []string{"alice", "bob"},
				"last_message": map[string]any{"content": "hey", "sender_id": "bob", "timestamp": "2026-01-02T03:04:05Z"},
				"unread_count": 2,
			}})
		})

		convs, err := c.Conversations(context.Background())
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "c1", convs[0].ID)
		assert.True(t, convs[0].HasParticipant("bob"))
		require.NotNil(t, convs[0].LastMessage)
		assert.Equal(t, "hey", convs[0].LastMessage.Content)
		assert.Equal(t, 2, convs[0].UnreadCount)
	})

	t.Run("messages", func(t *testing.T) {
		c := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/messages/conversations/c1", r.URL.Path)
			writeJSON(w, http.StatusOK, []map[string]any{
				{"id": "m1", "conversation_id": "c1", "sender_id": "bob", "content": "hi"},
				{"id": "m2", "conversation_id": "c1", "sender_id": "alice", "content": "yo", "status": "read"},
			})
		})

		msgs, err := c.Messages(context.Background(), "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, StatusSent, msgs[0].Status)
		assert.Equal(t, StatusRead, msgs[1].Status)
	})

	t.Run("contacts", func(t *testing.T) {
		var added map[string]string
		c := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/contacts", r.URL.Path)
			switch r.Method {
			case http.MethodGet:
				writeJSON(w, http.StatusOK, []map[string]any{{"id": "bob", "username": "bob", "status": "online"}})
			case http.MethodPost:
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&added))
				writeJSON(w, http.StatusCreated, map[string]string{"message": "Contact added successfully"})
			}
		})

		contacts, err := c.Contacts(context.Background())
		require.NoError(t, err)
		require.Len(t, contacts, 1)
		assert.Equal(t, "online", contacts[0].Status)

		require.NoError(t, c.AddContact(context.Background(), "carol"))
		assert.Equal(t, map[string]string{"contact_id": "carol"}, added)
	})

	t.Run("users", func(t *testing.T) {
		c := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/users/search":
				assert.Equal(t, "ca rol", r.URL.Query().Get("q"))
				writeJSON(w, http.StatusOK, []map[string]any{{"id": "u3", "username": "carol"}})
			case "/api/users/me":
				writeJSON(w, http.StatusOK, map[string]any{"id": "u1", "username": "alice", "email": "a@example.com"})
			default:
				http.NotFound(w, r)
			}
		})

		users, err := c.SearchUsers(context.Background(), "ca rol")
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "carol", users[0].Username)

		me, err := c.Me(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "u1", me.ID)
	})

	t.Run("api error", func(t *testing.T) {
		c := newTestDirectory(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Access denied"})
		})

		_, err := c.Messages(context.Background(), "c1")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		assert.Equal(t, "Access denied", apiErr.Message)
		assert.Equal(t, "403: Access denied", apiErr.Error())
	})

	t.Run("token failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		c := NewDirectoryClient(srv.URL, StaticToken(""))

		_, err := c.Contacts(context.Background())
		assert.ErrorContains(t, err, "fetch token")
	})
}
