package transport

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Dial connects to addr, retrying with backoff up to cfg.MaxConnectAttempts.
// TLS is negotiated when cfg.TLS.Enabled.
func Dial(ctx context.Context, addr string, cfg Config, rng *rand.Rand) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	var conn net.Conn
	err := Retry(ctx, cfg.Backoff, cfg.MaxConnectAttempts, rng, func(attempt int) error {
		c, err := dialOnce(ctx, addr, cfg)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Msg("transport.Dial failed")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func dialOnce(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	if tlsCfg == nil {
		return rawConn, nil
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
