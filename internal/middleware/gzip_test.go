package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoActionHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
}

func gzipBody(t *testing.T, s string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	const eventJSON = `{"action_type":"TASK_COMPLETED","actor_id":42}`

	tests := []struct {
		name           string
		acceptEncoding string
		gzipRequest    bool
		wantEncoding   string
	}{
		{
			name:           "plain request, plain response",
			acceptEncoding: "",
			wantEncoding:   "",
		},
		{
			name:           "client accepts gzip",
			acceptEncoding: "gzip",
			wantEncoding:   "gzip",
		},
		{
			name:           "compressed request body",
			acceptEncoding: "gzip",
			gzipRequest:    true,
			wantEncoding:   "gzip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(eventJSON)
			if tt.gzipRequest {
				body = gzipBody(t, eventJSON)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/engine/actions", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			if tt.gzipRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}

			rec := httptest.NewRecorder()

			h := GzipMiddleware(http.HandlerFunc(echoActionHandler))
			h.ServeHTTP(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusAccepted {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", ce, tt.wantEncoding)
			}

			var reader io.Reader = res.Body
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if string(got) != eventJSON {
				t.Fatalf("body = %q, want %q", string(got), eventJSON)
			}
		})
	}
}
