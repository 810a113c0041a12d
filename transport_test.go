package rotor

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"
)

func testCert(t *testing.T) *x509.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		t.Fatalf("generating private key: %v", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("generating serial number: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Rotor Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}

	return cert
}

type testBaseRoundTripper struct {
	wasCalled bool
	response  *http.Response
	err       error
	request   *http.Request
}

func (tR *testBaseRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tR.wasCalled = true
	tR.request = req
	if tR.response == nil {
		tR.response = &http.Response{
			StatusCode: http.StatusNoContent,
			Body:       io.NopCloser(bytes.NewBufferString("")),
			Header:     make(http.Header),
		}
	}
	return tR.response, nil
}

func TestRotorRoundTripper(t *testing.T) {
	cert := testCert(t)

	for _, target := range []string{"http://rotor.cert", "http://rotor.cert/"} {
		t.Run("request to "+target+" should return the certificate", func(t *testing.T) {
			baseRoundTripper := &testBaseRoundTripper{}
			roundTripper := &rotorRoundTripper{
				cert: cert,
				base: baseRoundTripper,
			}

			resp, err := roundTripper.RoundTrip(httptest.NewRequest("GET", target, nil))
			if err != nil {
				t.Fatalf("wanted: nil\ngot: %v", err)
			}
			defer resp.Body.Close()

			if baseRoundTripper.wasCalled {
				t.Fatal("expected base RoundTrip to not be called")
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("wanted: %d\ngot: %d", http.StatusOK, resp.StatusCode)
			}
			if got := resp.Header.Get("Content-Type"); got != "application/x-x509-ca-cert" {
				t.Errorf("wanted ContentType: %s\ngot: %v", "application/x-x509-ca-cert", got)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("reading response body: %v", err)
			}
			if !bytes.Equal(body, cert.Raw) {
				t.Fatalf("wanted %q\ngot: %q", cert.Raw, body)
			}
		})
	}

	for _, target := range []string{"https://rotor.cert/", "http://rotor.cert/other"} {
		t.Run("request to "+target+" should go upstream", func(t *testing.T) {
			baseRoundTripper := &testBaseRoundTripper{}
			roundTripper := &rotorRoundTripper{
				cert: cert,
				base: baseRoundTripper,
			}

			if _, err := roundTripper.RoundTrip(httptest.NewRequest("GET", target, nil)); err != nil {
				t.Fatalf("wanted: nil\ngot: %v", err)
			}
			if !baseRoundTripper.wasCalled {
				t.Fatal("expected base RoundTrip to be called")
			}
		})
	}

	t.Run("request to http://rotor.cert without a certificate should go upstream", func(t *testing.T) {
		baseRoundTripper := &testBaseRoundTripper{}
		roundTripper := &rotorRoundTripper{base: baseRoundTripper}

		if _, err := roundTripper.RoundTrip(httptest.NewRequest("GET", "http://rotor.cert/", nil)); err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		if !baseRoundTripper.wasCalled {
			t.Fatal("expected base RoundTrip to be called")
		}
	})

	t.Run("requests rewritten to a gateway should call the base RoundTrip unchanged", func(t *testing.T) {
		want := &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewBufferString("Rotor Test")),
			Header:     make(http.Header),
		}
		baseRoundTripper := &testBaseRoundTripper{
			response: want,
		}
		roundTripper := &rotorRoundTripper{
			cert: cert,
			base: baseRoundTripper,
		}

		req := httptest.NewRequest("GET", "https://a1b2c3.execute-api.us-east-1.amazonaws.com/v1/users", nil)
		req.Header.Set("User-Agent", "rotor-test")

		resp, err := roundTripper.RoundTrip(req)
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		if baseRoundTripper.request != req {
			t.Error("expected base RoundTrip to receive the same request")
		}
		if got := baseRoundTripper.request.Header.Get("User-Agent"); got != "rotor-test" {
			t.Errorf("wanted: %q\ngot: %q", "rotor-test", got)
		}
		if resp != want {
			t.Errorf("wanted: %v\n got: %v", want, resp)
		}
	})

	t.Run("requests without User-Agent should not receive the Go default", func(t *testing.T) {
		baseRoundTripper := &testBaseRoundTripper{}
		roundTripper := &rotorRoundTripper{
			cert: cert,
			base: baseRoundTripper,
		}

		req := httptest.NewRequest("GET", "https://api.example.com", nil)
		req.Header.Del("User-Agent")

		if _, err := roundTripper.RoundTrip(req); err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}

		val, ok := baseRoundTripper.request.Header["User-Agent"]
		if !ok {
			t.Error("wanted: User-Agent key to be present\ngot: missing")
		} else if len(val) > 0 && val[0] != "" {
			t.Errorf("wanted: %q\ngot: %q", "", val[0])
		}
	})
}

func TestRotorTransportDialTLSContext(t *testing.T) {
	transport := newRotorTransport(testCert(t))

	t.Run("request to standard HTTPS server should pass through on http/1.1", func(t *testing.T) {
		testTLSServer := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("rotor tls"))
		}))
		testTLSServer.EnableHTTP2 = true
		testTLSServer.StartTLS()
		defer testTLSServer.Close()

		if rrt, ok := transport.(*rotorRoundTripper); ok {
			if ht, ok := rrt.base.(*http.Transport); ok {
				ht.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			}
		}

		resp, err := (&http.Client{Transport: transport}).Get(testTLSServer.URL)
		if err != nil {
			t.Fatalf("wanted: nil\ngot: %v", err)
		}
		defer resp.Body.Close()

		if resp.Proto != "HTTP/1.1" {
			t.Errorf("wanted: HTTP/1.1\ngot: %s", resp.Proto)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("wanted: %d\ngot: %d", http.StatusOK, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading response body: %v", err)
		}
		if string(body) != "rotor tls" {
			t.Fatalf("wanted %q\ngot: %q", "rotor tls", body)
		}
	})

	t.Run("requests to closed ports should fail", func(t *testing.T) {
		_, err := (&http.Client{Transport: transport}).Get("https://127.0.0.1:1")
		if err == nil {
			t.Fatal("wanted an error but got nil")
		}
		if !errors.Is(err, syscall.ECONNREFUSED) {
			t.Fatalf("wanted: %s\ngot: %v", syscall.ECONNREFUSED, err)
		}
	})
}
