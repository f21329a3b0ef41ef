package httpstt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
)

func TestRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		audio, _ := base64.StdEncoding.DecodeString(req.Audio)
		if string(audio) != "RIFF" || req.Language != "ka" || req.SampleRate != 16000 || req.Encoding != "pcm_s16le" {
			t.Errorf("unexpected request %+v", req)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header")
		}
		_ = json.NewEncoder(w).Encode(response{Text: "gamarjoba", Confidence: 0.8})
	}))
	defer srv.Close()

	r := New(Config{URL: srv.URL, APIKey: "secret"})
	res, err := r.Recognize(context.Background(), stt.RecognizeRequest{Audio: []byte("RIFF"), SampleRate: 16000, Language: "ka"})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "gamarjoba" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRecognizeBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{URL: srv.URL}).Recognize(context.Background(), stt.RecognizeRequest{Audio: []byte{1}})
	if !errorsx.IsKind(err, errorsx.KindBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestRecognizeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(Config{URL: url}).Recognize(context.Background(), stt.RecognizeRequest{Audio: []byte{1}})
	if !errorsx.IsKind(err, errorsx.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
