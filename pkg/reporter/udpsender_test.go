package reporter

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestUDPSender_Send_WritesDatagram(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer conn.Close()

	sender := &UDPSender{}
	payload := []byte("metric-packet")

	if err := sender.Send(context.Background(), conn.LocalAddr().String(), payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}

	if string(buf[:n]) != "metric-packet" {
		t.Errorf("received %q, want %q", buf[:n], "metric-packet")
	}
}

func TestUDPSender_Send_WrongPayloadType(t *testing.T) {
	sender := &UDPSender{}
	if err := sender.Send(context.Background(), "127.0.0.1:9", "not bytes"); err == nil {
		t.Error("Send() error = nil, want type error for non-[]byte payload")
	}
}
