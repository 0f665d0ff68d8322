package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

type fakeResolver struct {
	uri string
	err error
}

func (f fakeResolver) Resolve(ctx context.Context, serviceName string) (string, error) {
	return f.uri, f.err
}

func TestResolveURI_SubstitutesToken(t *testing.T) {
	resolver := fakeResolver{uri: "http://10.0.0.5:9000/"}

	got, err := ResolveURI(context.Background(), resolver, "{headnode}/heartbeat")
	if err != nil {
		t.Fatalf("ResolveURI() error = %v", err)
	}

	want := "http://10.0.0.5:9000/heartbeat"
	if got != want {
		t.Errorf("ResolveURI() = %q, want %q", got, want)
	}
}

func TestResolveURI_NoToken(t *testing.T) {
	resolver := fakeResolver{uri: "http://unused"}

	got, err := ResolveURI(context.Background(), resolver, "http://explicit/heartbeat")
	if err != nil {
		t.Fatalf("ResolveURI() error = %v", err)
	}

	if got != "http://explicit/heartbeat" {
		t.Errorf("ResolveURI() = %q, want passthrough", got)
	}
}

func TestResolveURI_ResolverError(t *testing.T) {
	resolver := fakeResolver{err: errors.New("no naming service reachable")}

	_, err := ResolveURI(context.Background(), resolver, "{headnode}/heartbeat")
	if err == nil {
		t.Fatal("ResolveURI() error = nil, want error")
	}
}

func TestNewJSONRequest_EncodesBody(t *testing.T) {
	server := httptest.NewServer(nil)
	defer server.Close()

	resolver := fakeResolver{uri: server.URL}

	type payload struct {
		TaskID int `json:"taskId"`
	}

	req, err := NewJSONRequest(context.Background(), resolver, "POST", "{headnode}/heartbeat", payload{TaskID: 7})
	if err != nil {
		t.Fatalf("NewJSONRequest() error = %v", err)
	}

	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", req.Header.Get("Content-Type"))
	}

	var decoded payload
	if err := json.NewDecoder(req.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode request body: %v", err)
	}

	if decoded.TaskID != 7 {
		t.Errorf("decoded.TaskID = %d, want 7", decoded.TaskID)
	}
}

func TestNewJSONRequest_NilBodyOmitsContentType(t *testing.T) {
	resolver := fakeResolver{uri: "http://explicit"}

	req, err := NewJSONRequest(context.Background(), resolver, "GET", "{headnode}/status", nil)
	if err != nil {
		t.Fatalf("NewJSONRequest() error = %v", err)
	}

	if req.Header.Get("Content-Type") != "" {
		t.Errorf("Content-Type = %q, want empty for nil body", req.Header.Get("Content-Type"))
	}
}
