// Package listener provides the net.Listener wrappers used by the proxy: one
// that terminates TLS when a client speaks TLS to the proxy port directly, and
// one that keeps accepting after recoverable errors.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// handshakeTimeout bounds the protocol peek and the TLS handshake of a new connection.
var handshakeTimeout = 10 * time.Second

// connWrapper serves reads from Reader so peeked bytes are not lost.
type connWrapper struct {
	net.Conn
	io.Reader
}

func (cw *connWrapper) Read(b []byte) (int, error) {
	return cw.Reader.Read(b)
}

// ProtocolMuxListener wraps net.Listener and inspects the incoming connection to determine the protocol
type ProtocolMuxListener struct {
	net.Listener
	TLSConfig *tls.Config
}

func NewProtocolMuxListener(listener net.Listener, tlsConfig *tls.Config) *ProtocolMuxListener {
	return &ProtocolMuxListener{
		Listener:  listener,
		TLSConfig: tlsConfig,
	}
}

// isTLSRecord reports whether b starts with a TLS handshake record header.
func isTLSRecord(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x16 && b[1] == 0x03
}

// peek reads the first bytes of conn without consuming them.
func peek(conn net.Conn) (*bufio.Reader, []byte, error) {
	reader := bufio.NewReader(conn)
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, nil, fmt.Errorf("setting read deadline for peek: %w", err)
	}

	peeked, peekErr := reader.Peek(5)

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, fmt.Errorf("clearing read deadline after peek: %w", err)
	}
	if peekErr != nil && !errors.Is(peekErr, bufio.ErrBufferFull) {
		return nil, nil, fmt.Errorf("peeking initial bytes: %w", peekErr)
	}
	return reader, peeked, nil
}

// Accept returns plain connections as they are and TLS connections after a
// completed handshake with TLSConfig.
func (l *ProtocolMuxListener) Accept() (net.Conn, error) {
	rawConnection, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}

	reader, peeked, err := peek(rawConnection)
	if err != nil {
		rawConnection.Close()
		return nil, err
	}

	wrapped := &connWrapper{Conn: rawConnection, Reader: reader}
	if !isTLSRecord(peeked) {
		return wrapped, nil
	}

	if l.TLSConfig == nil {
		rawConnection.Close()
		return nil, errors.New("tls connection on a listener without tls config")
	}

	tlsConn := tls.Server(wrapped, l.TLSConfig)
	if err := rawConnection.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("setting read deadline for handshake: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("performing tls handshake: %w", err)
	}
	if err := rawConnection.SetReadDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("clearing read deadline after handshake: %w", err)
	}
	return tlsConn, nil
}

// ResilientListener keeps accepting after errors that only concern a single
// connection. Only a closed listener ends Accept.
type ResilientListener struct {
	net.Listener
	logger *slog.Logger
}

// NewResilientListener wraps l. A nil logger means slog.Default().
func NewResilientListener(l net.Listener, logger *slog.Logger) *ResilientListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientListener{Listener: l, logger: logger}
}

func (l *ResilientListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			l.logger.Warn("connection rejected", "error", err)
			continue
		}
		return conn, nil
	}
}
