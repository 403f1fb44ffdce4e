package nbmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Session negotiation: maps (server url, notebook path, token) to the
// fully resolved room websocket url the client connects to.

var httpProtocolRegexp = regexp.MustCompile(`^http`)

type SessionSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func (self *SessionSettings) client() *http.Client {
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

type sessionResult struct {
	Format    string `json:"format"`
	Type      string `json:"type"`
	FileId    string `json:"fileId"`
	SessionId string `json:"sessionId"`
}

// NotebookWebsocketUrl negotiates a session for the notebook at path
// and returns the room url to hand to NewNbModelClient.
func NotebookWebsocketUrl(ctx context.Context, serverUrl string, path string, token string) (string, error) {
	return NotebookWebsocketUrlWithSettings(ctx, serverUrl, path, token, DefaultSessionSettings())
}

func NotebookWebsocketUrlWithSettings(
	ctx context.Context,
	serverUrl string,
	path string,
	token string,
	settings *SessionSettings,
) (string, error) {
	sessionUrl := urlPathJoin(serverUrl, "api/collaboration/session", url.PathEscape(path))

	body, err := json.Marshal(map[string]string{
		"format": "json",
		"type":   "notebook",
	})
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionUrl, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", userAgent)
	if token != "" {
		request.Header.Set("Authorization", fmt.Sprintf("token %s", token))
	}

	response, err := settings.client().Do(request)
	if err != nil {
		return "", &ConnectionError{Op: "session request", Err: err}
	}
	defer response.Body.Close()

	if http.StatusBadRequest <= response.StatusCode {
		return "", &ConnectionError{
			Op: fmt.Sprintf("session request status %d", response.StatusCode),
		}
	}

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", &ConnectionError{Op: "session response", Err: err}
	}
	var result sessionResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return "", &ConnectionError{Op: "session response decode", Err: err}
	}

	roomId := fmt.Sprintf("%s:%s:%s", result.Format, result.Type, result.FileId)
	wsBase := httpProtocolRegexp.ReplaceAllString(serverUrl, "ws")
	roomUrl := urlPathJoin(wsBase, "api/collaboration/room", url.PathEscape(roomId))

	params := url.Values{}
	params.Set("sessionId", result.SessionId)
	if token != "" {
		params.Set("token", token)
	}
	return roomUrl + "?" + params.Encode(), nil
}

func urlPathJoin(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for i, part := range parts {
		if i == 0 {
			trimmed = append(trimmed, strings.TrimRight(part, "/"))
			continue
		}
		trimmed = append(trimmed, strings.Trim(part, "/"))
	}
	return strings.Join(trimmed, "/")
}
