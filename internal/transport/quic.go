package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const alpnProto = "pairlink-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// Deterministic dev certificate so relay and nodes agree without a
// provisioning step. Real deployments terminate TLS with real certs;
// payload confidentiality never depends on this layer.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("pairlink-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProto},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

// QUICDialer opens one bidirectional stream per connection; the
// stream carries the length-prefixed envelope frames.
type QUICDialer struct {
	Addr     string
	Insecure bool
}

type quicStreamConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (s *quicStreamConn) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStreamConn) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStreamConn) Close() error {
	err := s.stream.Close()
	_ = s.conn.CloseWithError(0, "")
	return err
}

func (d *QUICDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	tlsConf, err := clientTLSConfig(d.Insecure)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, d.Addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStreamConn{stream: stream, conn: conn}, nil
}
