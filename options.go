package rotor

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/martian/mitm"
	"github.com/tfkr-ae/rotor/metrics"
	"github.com/tfkr-ae/rotor/rotation"
)

// WithOptions applies a series of configuration functions to the proxy instance.
// It stops at the first option returning an error.
func (proxy *Proxy) WithOptions(options ...func(*Proxy) error) error {
	for _, option := range options {
		err := option(proxy)
		if err != nil {
			return fmt.Errorf("applying option on rotor : %w", err)
		}
	}
	return nil
}

// WithConfigDir loads config.yaml from appConfigDir, creating both on first run.
func WithConfigDir(appConfigDir string) func(*Proxy) error {
	return func(proxy *Proxy) error {
		cfg, err := LoadConfig(appConfigDir)
		if err != nil {
			return err
		}
		proxy.ConfigDir = appConfigDir
		proxy.Config = cfg
		return nil
	}
}

// WithConfig sets an already loaded configuration.
func WithConfig(cfg *Config) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		proxy.Config = cfg
		proxy.ConfigDir = cfg.ConfigDir
		return nil
	}
}

// WithLogger sets the process logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if logger == nil {
			logger = slog.Default()
		}
		proxy.Logger = logger
		return nil
	}
}

// WithMetrics records rotation metrics on collector.
func WithMetrics(collector *metrics.Collector) func(*Proxy) error {
	return func(proxy *Proxy) error {
		proxy.Metrics = collector
		return nil
	}
}

// WithRegistry sets the route registry consulted for every request.
func WithRegistry(registry *rotation.Registry) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if registry == nil {
			return errors.New("registry is nil")
		}
		proxy.Registry = registry
		return nil
	}
}

// WithRepo sets the repository, closing the previous one.
func WithRepo(repo Repository) func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.Repo != nil {
			if err := proxy.Repo.Close(); err != nil {
				return fmt.Errorf("closing previous repository : %w", err)
			}
		}
		proxy.Repo = repo
		return nil
	}
}

// WithDefaultModifiers makes the proxy the martian modifier and installs the
// rotation pipeline.
func WithDefaultModifiers() func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.martianProxy == nil {
			return errors.New("proxy has no martianProxy")
		}
		proxy.martianProxy.SetRequestModifier(proxy)
		proxy.martianProxy.SetResponseModifier(proxy)

		proxy.AddRequestModifier(PreventLoopModifier)
		proxy.AddRequestModifier(SkipConnectRequestModifier)
		proxy.AddRequestModifier(SetupRequestModifier)
		proxy.AddRequestModifier(CaptureRequestModifier)
		proxy.AddRequestModifier(RotateRequestModifier)

		proxy.AddResponseModifier(ResponseFilterModifier)
		proxy.AddResponseModifier(RotationResponseModifier)
		return nil
	}
}

// WithTLS loads the proxy CA from the config directory, creating it on first
// run, and enables MITM for CONNECT requests.
func WithTLS() func(*Proxy) error {
	return func(proxy *Proxy) error {
		if proxy.ConfigDir == "" {
			return errors.New("config dir is not set")
		}

		var x509c *x509.Certificate
		var priv any
		var err error
		certPath := filepath.Join(proxy.ConfigDir, certFile)
		if _, err = os.Stat(certPath); os.IsNotExist(err) {
			proxy.logger().Info("creating proxy certificate authority", "path", certPath)
			x509c, priv, err = mitm.NewAuthority("Rotor", "Rotor Authority", 365*3*24*time.Hour)
			if err != nil {
				return fmt.Errorf("creating new mitm authority : %w", err)
			}
			if err := saveCertAndKey(x509c, priv, proxy.ConfigDir); err != nil {
				return fmt.Errorf("saving cert and key to disk : %w", err)
			}
		} else {
			x509c, priv, err = loadCertAndKey(proxy.ConfigDir)
			if err != nil {
				return fmt.Errorf("loading cert and key from disk : %w", err)
			}
		}

		if time.Now().After(x509c.NotAfter) {
			return fmt.Errorf("certificate %s expired on %s", certPath, x509c.NotAfter.Format(time.DateOnly))
		}

		proxy.SPKIHash = getSPKIHash(x509c)
		proxy.Cert = x509c

		tlsc, err := mitm.NewConfig(x509c, priv)
		if err != nil {
			return fmt.Errorf("creating new mitm config : %w", err)
		}
		proxy.martianProxy.SetMITM(tlsc)
		tlsConfig := tlsc.TLS()

		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("fetching system cert pool : %w", err)
		}
		tlsConfig.RootCAs = systemPool
		tlsConfig.RootCAs.AddCert(x509c)
		proxy.TLSConfig = tlsConfig
		return nil
	}
}
