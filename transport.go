package rotor

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

// certHost serves the proxy CA to clients configuring the proxy.
const certHost = "rotor.cert"

// rotorRoundTripper serves the CA certificate on http://rotor.cert/ and sends
// every other request through the base RoundTripper.
type rotorRoundTripper struct {
	cert *x509.Certificate
	base http.RoundTripper
}

// dialUTLS connects to addr with a Chrome ClientHello restricted to http/1.1,
// which is all martian can relay.
func dialUTLS(transport *http.Transport) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{Timeout: 30 * time.Second}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		serverName, _, err := net.SplitHostPort(addr)
		if err != nil {
			serverName = addr
		}

		config := &utls.Config{ServerName: serverName}
		if transport.TLSClientConfig != nil {
			config.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := utls.UClient(tcpConn, config, utls.HelloChrome_Auto)
		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores config.NextProtos, the extension has to be
		// edited before the handshake.
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}
		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}
		return uConn, nil
	}
}

// newRotorTransport returns the upstream RoundTripper of the proxy. Requests
// rewritten to a gateway and passed through requests share it.
func newRotorTransport(cert *x509.Certificate) http.RoundTripper {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
	}
	transport.DialTLSContext = dialUTLS(transport)

	return &rotorRoundTripper{
		cert: cert,
		base: transport,
	}
}

func (r *rotorRoundTripper) isCertRequest(req *http.Request) bool {
	return r.cert != nil && req.URL.Scheme == "http" && req.URL.Host == certHost && (req.URL.Path == "" || req.URL.Path == "/")
}

// RoundTrip satisfies http.RoundTripper.
func (r *rotorRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if r.isCertRequest(req) {
		body := r.cert.Raw
		resp := &http.Response{
			Status:        "200 OK",
			StatusCode:    http.StatusOK,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Request:       req,
			Header:        make(http.Header),
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}
		resp.Header.Set("Content-Type", "application/x-x509-ca-cert")
		resp.Header.Set("Content-Disposition", "attachment; filename=\"rotor-cert.der\"")
		return resp, nil
	}

	// An absent User-Agent must not turn into Go's default on the way out.
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}

	return r.base.RoundTrip(req)
}
