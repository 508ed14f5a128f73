package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dshills/eventpipe/pipeline/payload"
)

func testEnvelope() payload.SelfDescribingJSON {
	b := payload.NewBatch([]payload.Item{
		{Seq: 1, Payload: payload.Payload{"eid": "e-1", "e": "se"}},
		{Seq: 2, Payload: payload.Payload{"eid": "e-2", "e": "ue"}},
	})
	return payload.NewEnvelope(b, time.UnixMilli(1700000000000))
}

func TestHTTPTransport_URL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://localhost:9090", "http://localhost:9090/com.snowplowanalytics.snowplow/tp2"},
		{"http://localhost:9090/", "http://localhost:9090/com.snowplowanalytics.snowplow/tp2"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := NewHTTPTransport(tt.endpoint).URL(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPTransport_Send(t *testing.T) {
	var (
		gotPath   string
		gotMethod string
		gotCT     string
		gotKey    string
		gotBody   struct {
			Schema string              `json:"schema"`
			Data   []map[string]string `json:"data"`
		}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotCT = r.Header.Get("Content-Type")
		gotKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, WithHeader("X-Api-Key", "k"))
	resp, err := tr.Send(context.Background(), testEnvelope())
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}

	if resp.StatusCode != 200 || !resp.Success() {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/"+PostPath {
		t.Errorf("path = %q, want %q", gotPath, "/"+PostPath)
	}
	if gotCT != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", gotCT)
	}
	if gotKey != "k" {
		t.Errorf("X-Api-Key = %q, want %q", gotKey, "k")
	}
	if gotBody.Schema != payload.PayloadDataSchema {
		t.Errorf("schema = %q, want %q", gotBody.Schema, payload.PayloadDataSchema)
	}
	if len(gotBody.Data) != 2 {
		t.Fatalf("len(data) = %d, want 2", len(gotBody.Data))
	}
	if gotBody.Data[1]["eid"] != "e-2" || gotBody.Data[1]["stm"] != "1700000000000" {
		t.Errorf("data[1] = %v", gotBody.Data[1])
	}
}

func TestHTTPTransport_NonSuccessStatusIsNotAnError(t *testing.T) {
	for _, code := range []int{400, 404, 500, 503} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte("nope"))
		}))

		resp, err := NewHTTPTransport(server.URL).Send(context.Background(), testEnvelope())
		server.Close()

		if err != nil {
			t.Errorf("status %d: Send() error = %v, want nil", code, err)
		}
		if resp.StatusCode != code {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, code)
		}
		if resp.Success() {
			t.Errorf("status %d: Success() = true", code)
		}
	}
}

func TestHTTPTransport_ConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewHTTPTransport(url).Send(context.Background(), testEnvelope())
	if err == nil {
		t.Fatal("Send() error = nil, want transport failure")
	}
	if !IsTransportFailure(err) {
		t.Errorf("IsTransportFailure(%v) = false", err)
	}
}

func TestHTTPTransport_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPTransport(server.URL).Send(ctx, testEnvelope())
	if !IsTransportFailure(err) {
		t.Errorf("Send() error = %v, want transport failure", err)
	}
}

func TestHTTPTransport_EncodeFailure(t *testing.T) {
	env := payload.SelfDescribingJSON{Schema: "s", Data: make(chan int)}
	_, err := NewHTTPTransport("http://127.0.0.1:1").Send(context.Background(), env)

	var te *TransportError
	if !errors.As(err, &te) || te.Op != "encode" {
		t.Errorf("Send() error = %v, want encode TransportError", err)
	}
}

func TestFunc(t *testing.T) {
	calls := 0
	var tr Transport = Func(func(context.Context, payload.SelfDescribingJSON) (Response, error) {
		calls++
		return Response{StatusCode: 204}, nil
	})
	resp, err := tr.Send(context.Background(), testEnvelope())
	if err != nil || resp.StatusCode != 204 || calls != 1 {
		t.Errorf("Send() = %v, %v (calls %d)", resp, err, calls)
	}
}
