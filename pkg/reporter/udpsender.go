package reporter

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/hpcstack/nodemanager/pkg/metrics"
)

// UDPSender writes a raw datagram. The fetcher paired with a UDPSender must
// return []byte directly (the monitor's binary-encoded metric packet); any
// other payload type is a programming error and is reported as such rather
// than silently dropped.
type UDPSender struct{}

// Send writes payload as a single UDP datagram to uri, given either as
// "host:port" or as a URL such as "udp://host:port/api/..." whose host
// part is used.
func (s *UDPSender) Send(ctx context.Context, uri string, payload interface{}) error {
	data, ok := payload.([]byte)
	if !ok {
		return fmt.Errorf("udp sender: payload is %T, want []byte", payload)
	}

	if u, err := url.Parse(uri); err == nil && u.Host != "" {
		uri = u.Host
	}

	addr, err := net.ResolveUDPAddr("udp", uri)
	if err != nil {
		return fmt.Errorf("resolve udp address %q: %w", uri, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial udp %q: %w", uri, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write udp datagram: %w", err)
	}

	metrics.MetricPacketsTotal.Inc()
	return nil
}
