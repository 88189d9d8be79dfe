package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateContent(t *testing.T) {
	t.Run("sends prompt and inline image, returns trimmed text", func(t *testing.T) {
		var gotPath string
		var gotBody geminiGenerateRequest

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &gotBody); err != nil {
				t.Errorf("request body not JSON: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"  YES, valve D5 is open.\n"}]},"finishReason":"STOP"}]}`)
		}))
		defer srv.Close()

		c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
		image := []byte{0xff, 0xd8, 0xff, 0xe0}

		text, err := c.GenerateContent(context.Background(), "Is valve D5 open?", "image/jpeg", image)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text != "YES, valve D5 is open." {
			t.Errorf("unexpected text %q", text)
		}

		if !strings.HasSuffix(gotPath, "/models/gemini-1.5-flash:generateContent") {
			t.Errorf("unexpected path %q", gotPath)
		}
		if len(gotBody.Contents) != 1 || len(gotBody.Contents[0].Parts) != 2 {
			t.Fatalf("unexpected request shape: %+v", gotBody)
		}
		if gotBody.Contents[0].Parts[0].Text != "Is valve D5 open?" {
			t.Errorf("prompt not first part: %+v", gotBody.Contents[0].Parts[0])
		}
		inline := gotBody.Contents[0].Parts[1].InlineData
		if inline == nil {
			t.Fatal("missing inline_data part")
		}
		if inline.MimeType != "image/jpeg" {
			t.Errorf("unexpected mime type %q", inline.MimeType)
		}
		if inline.Data != base64.StdEncoding.EncodeToString(image) {
			t.Error("image bytes not base64-encoded verbatim")
		}
	})

	t.Run("joins multiple text parts", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"NO, "},{"text":"valve D5 is closed."}]}}]}`)
		}))
		defer srv.Close()

		c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
		text, err := c.GenerateContent(context.Background(), "p", "image/png", []byte{1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text != "NO, valve D5 is closed." {
			t.Errorf("unexpected text %q", text)
		}
	})

	t.Run("surfaces API errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"error":{"code":403,"message":"API key invalid","status":"PERMISSION_DENIED"}}`)
		}))
		defer srv.Close()

		c := New(Config{APIKey: "bad-key", BaseURL: srv.URL})
		_, err := c.GenerateContent(context.Background(), "p", "image/jpeg", []byte{1})
		if err == nil {
			t.Fatal("expected error for 403 response")
		}
		if !strings.Contains(err.Error(), "403") {
			t.Errorf("error should carry the status code: %v", err)
		}
	})

	t.Run("rejects empty candidates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, `{"candidates":[]}`)
		}))
		defer srv.Close()

		c := New(Config{APIKey: "test-key", BaseURL: srv.URL})
		if _, err := c.GenerateContent(context.Background(), "p", "image/jpeg", []byte{1}); err == nil {
			t.Fatal("expected error for empty candidates")
		}
	})

	t.Run("fails fast without an API key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "")
		c := New(Config{BaseURL: "http://127.0.0.1:0"})
		if _, err := c.GenerateContent(context.Background(), "p", "image/jpeg", []byte{1}); err == nil {
			t.Fatal("expected error without API key")
		}
	})
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	c := New(Config{})
	if c.model != defaultModel {
		t.Errorf("expected default model, got %q", c.model)
	}
	if c.baseURL != defaultBaseURL {
		t.Errorf("expected default base URL, got %q", c.baseURL)
	}
	if c.apiKey != "env-key" {
		t.Error("expected API key from environment")
	}
}
