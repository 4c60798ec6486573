package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type geminiRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
}

func geminiServer(t *testing.T, status int, body string, seen *geminiRequest, path *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if path != nil {
			*path = r.URL.Path
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewGeminiWithKey(t *testing.T) {
	t.Setenv("REORDER_TEST_KEY", "secret")
	a, err := New(context.Background(), Config{Provider: "Gemini", APIKeyEnv: "REORDER_TEST_KEY"})
	require.NoError(t, err)
	assert.True(t, a.IsAvailable())
	require.IsType(t, &Gemini{}, a)
	assert.Equal(t, DefaultGeminiModel, a.(*Gemini).model)

	g, err := NewGemini(context.Background(), "secret", "gemini-pro")
	require.NoError(t, err)
	assert.Equal(t, "gemini-pro", g.model)

	var missing *Gemini
	assert.False(t, missing.IsAvailable())
}

func TestGeminiCompleteAgainstFakeServer(t *testing.T) {
	var seen geminiRequest
	var path string
	srv := geminiServer(t, http.StatusOK, `{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "Good "}, {"text": "swap."}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15}
	}`, &seen, &path)

	g, err := NewGemini(context.Background(), "secret", "", WithGeminiBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	temp := 0.2
	out, err := g.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "why?"},
		{Role: RoleAssistant, Content: "because"},
		{Role: RoleUser, Content: "and?"},
	}, Options{MaxTokens: 50, Temperature: &temp})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(path, "models/"+DefaultGeminiModel+":generateContent"), path)
	assert.Equal(t, "Good swap.", out.Content)
	assert.Equal(t, "STOP", out.StopReason)
	assert.Equal(t, 12, out.Usage.InputTokens)
	assert.Equal(t, 3, out.Usage.OutputTokens)

	require.NotNil(t, seen.SystemInstruction)
	require.Len(t, seen.SystemInstruction.Parts, 1)
	assert.Equal(t, "be brief", seen.SystemInstruction.Parts[0].Text)
	require.Len(t, seen.Contents, 3)
	assert.Equal(t, "user", seen.Contents[0].Role)
	assert.Equal(t, "model", seen.Contents[1].Role)
	assert.Equal(t, "and?", seen.Contents[2].Parts[0].Text)
}

func TestGeminiCompleteWrapsFailures(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"unauthorized": {http.StatusUnauthorized, `{"error": {"code": 401, "message": "bad key", "status": "UNAUTHENTICATED"}}`},
		"no candidates": {http.StatusOK, `{"candidates": []}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := geminiServer(t, tc.status, tc.body, nil, nil)
			g, err := NewGemini(context.Background(), "secret", "", WithGeminiBaseURL(srv.URL+"/"))
			require.NoError(t, err)

			_, err = g.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
			require.Error(t, err)
			var ae *apperrors.Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, ErrCodeAdvisoryFailed, ae.TextCode)
		})
	}
}
