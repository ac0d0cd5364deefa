package network

import (
	"crypto/tls"
	"net"
)

// SecurityPolicy wraps raw connections before any protocol bytes flow.
type SecurityPolicy interface {
	Server(conn net.Conn) (net.Conn, error)
	Client(conn net.Conn) (net.Conn, error)
}

// Plaintext leaves connections as they are.
type Plaintext struct{}

func (Plaintext) Server(conn net.Conn) (net.Conn, error) { return conn, nil }

func (Plaintext) Client(conn net.Conn) (net.Conn, error) { return conn, nil }

// TLS secures connections with crypto/tls. The handshake runs eagerly so
// failures surface from Accept and Dial rather than on first read.
type TLS struct {
	ServerConfig *tls.Config
	ClientConfig *tls.Config
}

func (p TLS) Server(conn net.Conn) (net.Conn, error) {
	c := tls.Server(conn, p.ServerConfig)
	if err := c.Handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p TLS) Client(conn net.Conn) (net.Conn, error) {
	c := tls.Client(conn, p.ClientConfig)
	if err := c.Handshake(); err != nil {
		return nil, err
	}
	return c, nil
}
