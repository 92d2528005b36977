package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// quicStream adapts a quic.Stream to Stream; quic.Stream already implements
// Read/Write, Close only needs to also tear down the connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	err := s.Stream.Close()
	_ = s.conn.CloseWithError(0, "link closed")
	return err
}

// DialQUICSim opens the client side of a simulated link to addr, used to
// wire two in-process (or same-host, multi-process) nodes together for
// development and integration tests without any real UART/I²C/SPI hardware
// (spec §1 scope note: link types are pluggable behind the byte-stream
// boundary).
func DialQUICSim(ctx context.Context, addr string) (Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, simTLSConfig(), simQUICConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "dial quicsim %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, errors.Wrap(err, "open quicsim stream")
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

// ListenQUICSim accepts one simulated link on addr and blocks until a peer
// dials in, returning that link's byte stream.
func ListenQUICSim(ctx context.Context, addr string) (Stream, error) {
	listener, err := quic.ListenAddr(addr, simTLSConfig(), simQUICConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen quicsim %s", addr)
	}
	conn, err := listener.Accept(ctx)
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "accept quicsim connection")
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, errors.Wrap(err, "accept quicsim stream")
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func simQUICConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: 30 * time.Second}
}

// simTLSConfig builds an ephemeral self-signed certificate; the simulated
// transport never leaves localhost, so there is nothing here worth a real
// CA chain.
func simTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{"meshnet-sim"},
		InsecureSkipVerify: true,
	}
}
