// internal/transport/quic.go
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

const alpnProto = "hive-quic"

// QUIC carries each frame on its own unidirectional-use stream: open, write,
// close. Peer authenticity comes from the envelope signatures, not from TLS,
// so the transport runs on a self-signed certificate and peers skip chain
// verification.
type QUIC struct {
	log         *zap.Logger
	dialTimeout time.Duration
}

func NewQUIC(log *zap.Logger) *QUIC {
	if log == nil {
		log = zap.NewNop()
	}
	return &QUIC{log: log, dialTimeout: 5 * time.Second}
}

func selfSignedTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
	}
}

func (q *QUIC) Listen(ctx context.Context, addr string, h Handler) error {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return fmt.Errorf("listener tls: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	q.log.Info("quic listening", zap.String("addr", addr))
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go q.serveConn(ctx, conn, h)
	}
}

func (q *QUIC) serveConn(ctx context.Context, conn quic.Connection, h Handler) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func(s quic.Stream) {
			defer s.Close()
			frame, err := io.ReadAll(io.LimitReader(s, proto.MaxFrameSize+1))
			if err != nil && !errors.Is(err, io.EOF) {
				q.log.Debug("quic read", zap.Error(err))
				return
			}
			if len(frame) == 0 || len(frame) > proto.MaxFrameSize {
				return
			}
			h(frame)
		}(stream)
	}
}

func (q *QUIC) Send(ctx context.Context, addr string, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, q.dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, clientTLS(), nil)
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("quic open stream: %w", err)
	}
	if _, err := stream.Write(frame); err != nil {
		stream.Close()
		return fmt.Errorf("quic write: %w", err)
	}
	return stream.Close()
}
