//go:build integration

package integration

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTestClient(baseURL, apiKey string) *testClient {
	return &testClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) spawn(t *testing.T, image string, ttlSeconds int) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/containers", map[string]any{
		"image":       image,
		"ttl_seconds": ttlSeconds,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "failed to spawn container")
	return decodeResponse(t, resp)
}

func (c *testClient) execStart(t *testing.T, containerID string, cmd []string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", fmt.Sprintf("/v1/containers/%s/exec", containerID), map[string]any{
		"cmd": cmd,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "failed to start exec")
	return decodeResponse(t, resp)
}

func (c *testClient) execPoll(t *testing.T, execID string, afterSeq int64) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "GET", fmt.Sprintf("/v1/execs/%s/poll?after_seq=%d", execID, afterSeq), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeResponse(t, resp)
}

func (c *testClient) writeFile(t *testing.T, containerID, path, text string) {
	t.Helper()
	req, err := http.NewRequest("PUT", fmt.Sprintf("%s/v1/containers/%s/fs?path=%s", c.baseURL, containerID, path), bytes.NewReader([]byte(text)))
	require.NoError(t, err)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func (c *testClient) readFile(t *testing.T, containerID, path string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "GET", fmt.Sprintf("/v1/containers/%s/fs/read?path=%s", containerID, path), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeResponse(t, resp)
}

func decodeBase64Content(t *testing.T, body map[string]any) []byte {
	t.Helper()
	s, ok := body["content_base64"].(string)
	require.True(t, ok, "response missing content_base64")
	data, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return data
}

func (c *testClient) kill(t *testing.T, containerID string) {
	t.Helper()
	resp := c.doRequest(t, "DELETE", fmt.Sprintf("/v1/containers/%s", containerID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}
