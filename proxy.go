// Package rotor is an intercepting HTTP/HTTPS proxy that spreads the requests
// for registered target domains across rotating API gateway endpoints, so that
// successive requests to the same target leave from different addresses.
//
// The core functionality includes:
//   - HTTP/HTTPS proxy server with TLS certificate management
//   - a martian modifier pipeline that captures traffic and rewrites requests
//     for registered domains to a gateway chosen by the domain's rotation strategy
//   - SQLite storage for routes, the gateway inventory, captured traffic and logs
package rotor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/martian"
	"github.com/google/martian/fifo"
	"github.com/google/uuid"
	"github.com/tfkr-ae/rotor/core"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/listener"
	"github.com/tfkr-ae/rotor/metrics"
	"github.com/tfkr-ae/rotor/rotation"
)

const (
	certFile = "rotor_cert.pem" // Certificate File Name
	keyFile  = "rotor_key.pem"  // Private Key File Name
)

// writeChannelSize bounds the items waiting for the database writer.
const writeChannelSize = 256

// Repository is the storage the proxy and its configuration surface depend on.
type Repository interface {
	domain.LogRepository
	domain.TrafficRepository
	domain.GatewayRepository
	domain.RouteRepository
	domain.StatsRepository
	Close() error
}

// ProxyItem is an item that can be written to the database through the DBWriteChannel.
// It is implemented by *domain.Log and *domain.CapturedRequest.
type ProxyItem interface {
	// GetType returns a string identifier for the type of proxy item.
	GetType() string
}

// Proxy ties the martian proxy to the rotation registry and the dispatcher.
type Proxy struct {
	martianProxy   *martian.Proxy     // The underlying martian.Proxy
	ConfigDir      string             // Directory holding config.yaml, the CA and the database
	Config         *Config            // Loaded configuration
	Repo           Repository         // DB Repository Interface
	Registry       *rotation.Registry // Domains and their route tables
	Dispatcher     *Dispatcher        // Per request rotation decision
	Metrics        *metrics.Collector // Optional, nil disables metrics
	Logger         *slog.Logger       // Process logger
	Modifiers      *fifo.Group        // Modifier group pipeline
	DBWriteChannel chan ProxyItem     // DB Write Channel
	Addr           string             // IP Address of the proxy
	Port           string             // Port of the proxy
	SPKIHash       string             // SPKI Hash of the current certificate
	Cert           *x509.Certificate
	TLSConfig      *tls.Config

	writeMu     sync.RWMutex  // guards sends on DBWriteChannel against its close
	writeClosed bool          // DBWriteChannel is closed, items are dropped
	writerOnce  sync.Once     // starts the database writer
	writerDone  chan struct{} // closed when the database writer has returned
}

// New creates a new Proxy instance and applies the provided options.
// Without WithRegistry the proxy gets an empty, memory only registry, and a
// dispatcher reading from the registry is created when none was set.
func New(options ...func(*Proxy) error) (*Proxy, error) {
	proxy := &Proxy{
		martianProxy:   martian.NewProxy(),
		Modifiers:      fifo.NewGroup(),
		DBWriteChannel: make(chan ProxyItem, writeChannelSize),
		Logger:         slog.Default(),
	}
	err := proxy.WithOptions(options...)
	if err != nil {
		return nil, err
	}

	if proxy.Registry == nil {
		proxy.Registry = rotation.NewRegistry(rotation.WithLogger(proxy.Logger), rotation.WithMetrics(proxy.Metrics))
	}
	if proxy.Dispatcher == nil {
		proxy.Dispatcher = NewDispatcher(proxy.Registry, proxy.Logger, proxy.Metrics)
	}
	return proxy, nil
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (proxy *Proxy) AddRequestModifier(modifier RequestModifierFunc) {
	adapter := &reqAdapter{proxy: proxy, modifier: modifier}
	proxy.Modifiers.AddRequestModifier(adapter)
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (proxy *Proxy) AddResponseModifier(modifier ResponseModifierFunc) {
	adapter := &resAdapter{proxy: proxy, modifier: modifier}
	proxy.Modifiers.AddResponseModifier(adapter)
}

// ModifyRequest runs the request pipeline. ErrSkipPipeline only ends the
// pipeline, other errors are logged. The request always continues.
func (proxy *Proxy) ModifyRequest(req *http.Request) error {
	if err := proxy.Modifiers.ModifyRequest(req); err != nil && !errors.Is(err, ErrSkipPipeline) {
		proxy.logger().Error("modifying request", "host", req.Host, "error", err)
	}
	return nil
}

// ModifyResponse runs the response pipeline, see ModifyRequest.
func (proxy *Proxy) ModifyResponse(res *http.Response) error {
	if err := proxy.Modifiers.ModifyResponse(res); err != nil && !errors.Is(err, ErrSkipPipeline) {
		proxy.logger().Error("modifying response", "status", res.StatusCode, "error", err)
	}
	return nil
}

func (proxy *Proxy) logger() *slog.Logger {
	if proxy.Logger == nil {
		return slog.Default()
	}
	return proxy.Logger
}

// enqueue hands item to the database writer without blocking the request path.
// Items are dropped when the writer falls behind or has been shut down.
func (proxy *Proxy) enqueue(item ProxyItem) {
	proxy.writeMu.RLock()
	defer proxy.writeMu.RUnlock()

	if proxy.writeClosed {
		proxy.logger().Debug("dropping item, database writer is shut down", "type", item.GetType())
		return
	}
	select {
	case proxy.DBWriteChannel <- item:
	default:
		proxy.logger().Warn("dropping item, database writer is behind", "type", item.GetType())
	}
}

// startWriter runs WriteToDB once for the lifetime of the proxy. The caller
// holds writeMu.
func (proxy *Proxy) startWriter() {
	proxy.writerOnce.Do(func() {
		proxy.writerDone = make(chan struct{})
		go func() {
			defer close(proxy.writerDone)
			proxy.WriteToDB()
		}()
	})
}

// Flush closes the DBWriteChannel and waits until the database writer has
// stored every queued item, or ctx is done. Items enqueued afterwards are
// dropped. The writer is started when Serve never ran.
func (proxy *Proxy) Flush(ctx context.Context) error {
	proxy.writeMu.Lock()
	if !proxy.writeClosed {
		proxy.writeClosed = true
		if proxy.Repo != nil {
			proxy.startWriter()
		}
		close(proxy.DBWriteChannel)
	}
	done := proxy.writerDone
	proxy.writeMu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flushing database writer : %w", ctx.Err())
	}
}

// WriteToDB consumes the DBWriteChannel until it is closed.
func (proxy *Proxy) WriteToDB() {
	for proxyItem := range proxy.DBWriteChannel {
		switch castItem := proxyItem.(type) {
		case *domain.CapturedRequest:
			if err := proxy.Repo.InsertCapturedRequest(castItem); err != nil {
				proxy.logger().Error("inserting captured request", "id", castItem.ID, "error", err)
			}
		case *domain.Log:
			if err := proxy.Repo.InsertLog(castItem); err != nil {
				proxy.logger().Error("inserting log", "message", castItem.Message, "error", err)
			}
		default:
			proxy.logger().Warn("unknown item on write channel", "type", proxyItem.GetType())
		}
	}
}

// WriteLog queues an operational log entry for the repository.
func (proxy *Proxy) WriteLog(level string, message string, options ...core.LogOption) error {
	switch level {
	case "DEBUG":
	case "INFO":
	case "WARN":
	case "ERROR":
	case "FATAL":
	default:
		return fmt.Errorf("level should be either: debug, info, warn, error, fatal")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		err := option(log)
		if err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}
	proxy.enqueue(log)
	return nil
}

// GetListener listens on address:port. Connections starting with a TLS handshake
// are terminated with the proxy CA, and accept errors other than a closed
// listener are logged without stopping the server.
func (proxy *Proxy) GetListener(address string, port string) (net.Listener, error) {
	rawListener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}
	muxListener := listener.NewProtocolMuxListener(rawListener, proxy.TLSConfig)
	proxy.Addr = address
	proxy.Port = port
	proxy.WriteLog("INFO", fmt.Sprintf("Rotor Service Started on %s:%s", address, port))
	return listener.NewResilientListener(muxListener, proxy.Logger), nil
}

// Serve starts the database writer and serves proxy traffic on l until it is closed.
func (proxy *Proxy) Serve(l net.Listener) error {
	if proxy.Repo == nil {
		return errors.New("proxy has no repository")
	}
	proxy.writeMu.Lock()
	proxy.startWriter()
	proxy.writeMu.Unlock()

	proxy.martianProxy.SetRoundTripper(newRotorTransport(proxy.Cert))
	return proxy.martianProxy.Serve(l)
}

// Close stops the martian proxy. The repository is closed by its owner.
func (proxy *Proxy) Close() {
	proxy.martianProxy.Close()
}

// Shutdown stops the martian proxy and then flushes the database writer, so the
// repository can be closed once it returns.
func (proxy *Proxy) Shutdown(ctx context.Context) error {
	proxy.Close()
	return proxy.Flush(ctx)
}
