package gcs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

var (
	ErrNotAdvertiseAddress = errors.New("gcs: local bind address not advertised")
	ErrNotTCP              = errors.New("gcs: local address is not TCP")
)

// TCPStreamLayer implements StreamLayer for plain TCP.
type TCPStreamLayer struct {
	advertise net.Addr
	listener  *net.TCPListener
}

// NewTCPTransport builds a NetworkTransport over a plain TCP listener.
func NewTCPTransport(bindAddr string, advertise net.Addr, config NetworkTransportConfig) (*NetworkTransport, error) {
	return newTCPTransport(bindAddr, advertise, func(stream StreamLayer) *NetworkTransport {
		config.Stream = stream
		return NewNetworkTransportWithConfig(&config)
	})
}

func newTCPTransport(addr string, advertise net.Addr, factory func(StreamLayer) *NetworkTransport) (*NetworkTransport, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	stream := &TCPStreamLayer{
		advertise: advertise,
		listener:  lis.(*net.TCPListener),
	}

	available, ok := stream.Addr().(*net.TCPAddr)
	if !ok {
		lis.Close()
		return nil, ErrNotTCP
	}
	if available.IP.IsUnspecified() && advertise == nil {
		lis.Close()
		return nil, ErrNotAdvertiseAddress
	}

	return factory(stream), nil
}

func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

func (t *TCPStreamLayer) Addr() net.Addr {
	if t.advertise != nil {
		return t.advertise
	}
	return t.listener.Addr()
}

// TLSStreamLayer wraps TCPStreamLayer with crypto/tls, configured
// from the verify/certificate/private-key/password-file knobs
// grounded on gcomm's asio_protonet.cpp socket.ssl.* options.
type TLSStreamLayer struct {
	inner  *TCPStreamLayer
	config *tls.Config
}

// NewTLSStreamLayer builds a TLSStreamLayer from a bind address, an
// optional advertise address and the configuration's TLS knobs. The
// password file's first line is read as the private key's password,
// when the key is encrypted.
func NewTLSStreamLayer(bindAddr string, advertise net.Addr, tlsCfg TLSConfig) (*TLSStreamLayer, error) {
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	tcpLis, ok := lis.(*net.TCPListener)
	if !ok {
		lis.Close()
		return nil, ErrNotTCP
	}

	inner := &TCPStreamLayer{advertise: advertise, listener: tcpLis}

	var password string
	if tlsCfg.PasswordFile != "" {
		password, err = readPasswordFileFirstLine(tlsCfg.PasswordFile)
		if err != nil {
			lis.Close()
			return nil, err
		}
	}

	cert, err := loadKeyPair(tlsCfg.CertificateFile, tlsCfg.PrivateKeyFile, password)
	if err != nil {
		lis.Close()
		return nil, fmt.Errorf("gcs: load tls keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if tlsCfg.VerifyFile != "" {
		pool, err := loadCertPool(tlsCfg.VerifyFile)
		if err != nil {
			lis.Close()
			return nil, err
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return &TLSStreamLayer{inner: inner, config: cfg}, nil
}

// readPasswordFileFirstLine reads the first line of the named file,
// mirroring gcomm's own password-file convention.
func readPasswordFileFirstLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("gcs: read password file %q: %w", path, err)
	}
	line := strings.SplitN(string(data), "\n", 2)[0]
	return strings.TrimRight(line, "\r"), nil
}

// loadKeyPair loads a certificate/key pair, decrypting the key block
// first when password is non-empty.
func loadKeyPair(certFile, keyFile, password string) (tls.Certificate, error) {
	if password == "" {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gcs: read certificate file %q: %w", certFile, err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gcs: read private key file %q: %w", keyFile, err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("gcs: no PEM block found in private key file %q", keyFile)
	}

	//lint:ignore SA1019 gcomm-style password-protected PEM keys predate PKCS#8; DecryptPEMBlock is the stdlib's only decoder for them.
	decrypted, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("gcs: decrypt private key %q: %w", keyFile, err)
	}

	keyDER := pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: decrypted})
	return tls.X509KeyPair(certPEM, keyDER)
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gcs: read verify file %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("gcs: no certificates found in verify file %q", path)
	}
	return pool, nil
}

func (t *TLSStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", address, t.config)
}

func (t *TLSStreamLayer) Accept() (net.Conn, error) {
	conn, err := t.inner.listener.Accept()
	if err != nil {
		return nil, err
	}
	return tls.Server(conn, t.config), nil
}

func (t *TLSStreamLayer) Close() error {
	return t.inner.Close()
}

func (t *TLSStreamLayer) Addr() net.Addr {
	return t.inner.Addr()
}
