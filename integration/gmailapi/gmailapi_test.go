package gmailapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitflow/conduit/integration"
)

func rawBody(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func messageJSON(id, subject, body string) map[string]any {
	return map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"snippet":      "snippet of " + id,
		"internalDate": "1755770400000", // 2025-08-21T10:00:00Z
		"payload": map[string]any{
			"headers": []map[string]string{
				{"name": "From", "value": "alice@example.com"},
				{"name": "To", "value": "bob@example.com"},
				{"name": "Subject", "value": subject},
				{"name": "Message-ID", "value": "<" + id + "@mail>"},
			},
			"mimeType": "text/plain",
			"body":     map[string]any{"data": rawBody(body)},
		},
	}
}

func newServer(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestListMessagesHydrates(t *testing.T) {
	t.Parallel()
	var listCalls, getCalls int
	a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/users/me/messages":
			listCalls++
			assert.Equal(t, "is:unread", r.URL.Query().Get("q"))
			assert.Equal(t, "10", r.URL.Query().Get("maxResults"))
			// More refs than the hydration cap.
			refs := make([]map[string]string, 8)
			for i := range refs {
				refs[i] = map[string]string{"id": "m" + string(rune('1'+i))}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": refs})
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/"):
			getCalls++
			id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
			_ = json.NewEncoder(w).Encode(messageJSON(id, "hello "+id, "body of "+id))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	out, err := a.Invoke(context.Background(), "tok", "listMessages", map[string]any{
		"query": "is:unread", "maxResults": 10,
	})
	require.NoError(t, err)
	msgs, ok := out.([]map[string]any)
	require.True(t, ok)
	assert.Len(t, msgs, 5, "hydration is capped")
	assert.Equal(t, 1, listCalls)
	assert.Equal(t, 5, getCalls)

	first := msgs[0]
	assert.Equal(t, "m1", first["id"])
	assert.Equal(t, "alice@example.com", first["from"])
	assert.Equal(t, "hello m1", first["subject"])
	assert.Equal(t, "body of m1", first["body"])
	assert.Equal(t, "<m1@mail>", first["messageIdHeader"])
	assert.Equal(t, "2025-08-21T10:00:00Z", first["date"])
}

func TestGetMessageDecodesNestedBody(t *testing.T) {
	t.Parallel()
	a := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"internalDate": "1755770400000",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"parts": []map[string]any{
					{"mimeType": "text/html", "body": map[string]any{"data": rawBody("<b>html</b>")}},
					{"mimeType": "text/plain", "body": map[string]any{"data": rawBody("plain wins")}},
				},
			},
		})
	})

	out, err := a.Invoke(context.Background(), "tok", "getMessage", map[string]any{"messageId": "m1"})
	require.NoError(t, err)
	msg := out.(map[string]any)
	assert.Equal(t, "plain wins", msg["body"], "text/plain is preferred over text/html")
}

func TestGetMessageTruncatesBody(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", bodyLimit+200)
	a := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON("m1", "s", long))
	})

	out, err := a.Invoke(context.Background(), "tok", "getMessage", map[string]any{"messageId": "m1"})
	require.NoError(t, err)
	msg := out.(map[string]any)
	assert.Len(t, msg["body"], bodyLimit)
}

func TestSendEmailEncodesRFC822(t *testing.T) {
	t.Parallel()
	a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/users/me/messages/send", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		raw, err := base64.URLEncoding.DecodeString(payload["raw"])
		require.NoError(t, err)
		wire := string(raw)
		assert.Contains(t, wire, "To: bob@example.com\r\n")
		assert.Contains(t, wire, "Subject: greetings\r\n")
		assert.Contains(t, wire, "\r\n\r\nhi bob")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "m9", "threadId": "t9"})
	})

	out, err := a.Invoke(context.Background(), "tok", "sendEmail", map[string]any{
		"to": "bob@example.com", "subject": "greetings", "body": "hi bob",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "m9", "threadId": "t9"}, out)
}

func TestReplyToEmailThreadsAndPrefixes(t *testing.T) {
	t.Parallel()
	a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "t1", payload["threadId"])
		raw, err := base64.URLEncoding.DecodeString(payload["raw"])
		require.NoError(t, err)
		wire := string(raw)
		assert.Contains(t, wire, "Subject: Re: status\r\n")
		assert.Contains(t, wire, "In-Reply-To: <m1@mail>\r\n")
		assert.Contains(t, wire, "References: <m1@mail>\r\n")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "m2", "threadId": "t1"})
	})

	_, err := a.Invoke(context.Background(), "tok", "replyToEmail", map[string]any{
		"threadId":        "t1",
		"to":              "alice@example.com",
		"subject":         "status",
		"messageIdHeader": "<m1@mail>",
		"body":            "done",
	})
	require.NoError(t, err)
}

func TestReplyKeepsExistingRePrefix(t *testing.T) {
	t.Parallel()
	a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		raw, _ := base64.URLEncoding.DecodeString(payload["raw"])
		assert.Contains(t, string(raw), "Subject: Re: status\r\n")
		assert.NotContains(t, string(raw), "Re: Re:")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "m2"})
	})

	_, err := a.Invoke(context.Background(), "tok", "replyToEmail", map[string]any{
		"threadId": "t1", "to": "a@b.c", "subject": "Re: status", "body": "x",
	})
	require.NoError(t, err)
}

func TestAddLabels(t *testing.T) {
	t.Parallel()
	a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/me/messages/m1/modify", r.URL.Path)
		var payload map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []string{"STARRED"}, payload["addLabelIds"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "m1"})
	})

	out, err := a.Invoke(context.Background(), "tok", "addLabels", map[string]any{
		"messageId": "m1", "labelIds": []string{"STARRED"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "m1", "labelIds": []string{"STARRED"}}, out)
}

func TestAddLabelsRequiresLabels(t *testing.T) {
	t.Parallel()
	a := New()
	_, err := a.Invoke(context.Background(), "tok", "addLabels", map[string]any{"messageId": "m1"})
	require.Error(t, err)
	assert.Equal(t, integration.KindInvalidRequest, integration.KindOf(err))
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   integration.Kind
	}{
		{http.StatusUnauthorized, integration.KindUnauthorized},
		{http.StatusForbidden, integration.KindForbidden},
		{http.StatusNotFound, integration.KindNotFound},
		{http.StatusTooManyRequests, integration.KindRateLimited},
		{http.StatusInternalServerError, integration.KindTransient},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			a := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := a.Invoke(context.Background(), "tok", "getProfile", nil)
			require.Error(t, err)
			assert.Equal(t, tc.want, integration.KindOf(err))
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()
	a := New()
	_, err := a.Invoke(context.Background(), "tok", "teleport", nil)
	require.Error(t, err)
	assert.Equal(t, integration.KindInvalidRequest, integration.KindOf(err))
}
