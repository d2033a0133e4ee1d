package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if len(body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	const deposit = `{"payment_method_id":1,"start_date":"2024-01-01","end_date":"2024-01-31","total_amount":"1000.00"}`

	tests := []struct {
		name           string
		body           string
		compressBody   bool
		acceptEncoding string
		contentType    string
		wantStatus     int
		wantEncoding   string
		wantBody       string
	}{
		{
			name:           "json response compressed",
			body:           deposit,
			acceptEncoding: "gzip, deflate",
			contentType:    "application/json",
			wantStatus:     http.StatusOK,
			wantEncoding:   "gzip",
			wantBody:       deposit,
		},
		{
			name:         "client without gzip gets plain body",
			body:         deposit,
			contentType:  "application/json",
			wantStatus:   http.StatusOK,
			wantEncoding: "",
			wantBody:     deposit,
		},
		{
			name:           "compressed request is unpacked",
			body:           deposit,
			compressBody:   true,
			acceptEncoding: "gzip",
			contentType:    "application/json",
			wantStatus:     http.StatusOK,
			wantEncoding:   "gzip",
			wantBody:       deposit,
		},
		{
			name:           "binary content type left as is",
			body:           "raw",
			acceptEncoding: "gzip",
			contentType:    "application/octet-stream",
			wantStatus:     http.StatusOK,
			wantEncoding:   "",
			wantBody:       "raw",
		},
		{
			name:           "no content is never compressed",
			acceptEncoding: "gzip",
			wantStatus:     http.StatusNoContent,
			wantEncoding:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.body)
			if tt.compressBody {
				body = gzipBytes(t, tt.body)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/deposits", body)
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))

			reader := io.Reader(res.Body)
			if res.Header.Get("Content-Encoding") == "gzip" {
				assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
				gr, err := gzip.NewReader(res.Body)
				require.NoError(t, err)
				defer gr.Close()
				reader = gr
			}

			got, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(got))
		})
	}
}

func TestGzipMiddleware_BrokenRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/deposits", strings.NewReader("not gzip at all"))
	req.Header.Set("Content-Encoding", "gzip")

	called := false
	h := GzipMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
}
