package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSender_Send_Success(t *testing.T) {
	var received map[string]int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPSender()
	err := sender.Send(context.Background(), server.URL, map[string]int{"taskId": 4})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if received["taskId"] != 4 {
		t.Errorf("server received %v, want taskId=4", received)
	}
}

func TestHTTPSender_Send_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewHTTPSender()
	if err := sender.Send(context.Background(), server.URL, map[string]int{}); err == nil {
		t.Error("Send() error = nil, want error for 500 response")
	}
}
