package keystore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// dialRKP probes a provisioning host by completing a TLS handshake on 443.
// An unreachable host is a result, not an error; only cancellation fails.
func dialRKP(timeout time.Duration) func(ctx context.Context, host string) (RKPStatus, error) {
	return func(ctx context.Context, host string) (RKPStatus, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		dialer := tls.Dialer{
			NetDialer: &net.Dialer{},
			Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		}

		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
		status := RKPStatus{Host: host, Latency: time.Since(start)}
		if err != nil {
			if ctx.Err() == context.Canceled {
				return status, ctx.Err()
			}
			status.Detail = err.Error()
			return status, nil
		}
		defer conn.Close()

		state := conn.(*tls.Conn).ConnectionState()
		status.Reachable = true
		status.Detail = tls.VersionName(state.Version)
		if len(state.PeerCertificates) > 0 {
			status.Detail = fmt.Sprintf("%s, %s", status.Detail, state.PeerCertificates[0].Subject.CommonName)
		}
		return status, nil
	}
}
