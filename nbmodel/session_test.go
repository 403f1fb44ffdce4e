package nbmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestNotebookWebsocketUrl(t *testing.T) {
	var gotMethod string
	var gotPath string
	var gotAuth string
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(sessionResult{
			Format:    "json",
			Type:      "notebook",
			FileId:    "file-123",
			SessionId: "session-456",
		})
	}))
	defer server.Close()

	roomUrl, err := NotebookWebsocketUrl(context.Background(), server.URL, "dir/My Notebook.ipynb", "secret")
	assert.Equal(t, err, nil)

	assert.Equal(t, gotMethod, http.MethodPut)
	assert.Equal(t, gotPath, "/api/collaboration/session/dir%2FMy%20Notebook.ipynb")
	assert.Equal(t, gotAuth, "token secret")
	assert.Equal(t, gotBody["format"], "json")
	assert.Equal(t, gotBody["type"], "notebook")

	wsBase := "ws" + strings.TrimPrefix(server.URL, "http")
	assert.Equal(t, roomUrl, fmt.Sprintf(
		"%s/api/collaboration/room/json:notebook:file-123?sessionId=session-456&token=secret",
		wsBase,
	))
}

func TestNotebookWebsocketUrlNoToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Header.Get("Authorization"), "")
		json.NewEncoder(w).Encode(sessionResult{
			Format:    "json",
			Type:      "notebook",
			FileId:    "f",
			SessionId: "s",
		})
	}))
	defer server.Close()

	roomUrl, err := NotebookWebsocketUrl(context.Background(), server.URL, "nb.ipynb", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(roomUrl, "token="), false)
	assert.Equal(t, strings.Contains(roomUrl, "sessionId=s"), true)
}

func TestNotebookWebsocketUrlServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NotebookWebsocketUrl(context.Background(), server.URL, "nb.ipynb", "bad")
	var connErr *ConnectionError
	assert.Equal(t, errors.As(err, &connErr), true)
}

func TestNotebookWebsocketUrlBadBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	_, err := NotebookWebsocketUrl(context.Background(), server.URL, "nb.ipynb", "")
	var connErr *ConnectionError
	assert.Equal(t, errors.As(err, &connErr), true)
}

func TestUrlPathJoin(t *testing.T) {
	assert.Equal(t, urlPathJoin("http://host:8888/", "api/collaboration/session", "a%2Fb"), "http://host:8888/api/collaboration/session/a%2Fb")
	assert.Equal(t, urlPathJoin("http://host", "/x/", "/y"), "http://host/x/y")
}
