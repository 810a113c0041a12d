package rotor

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/provider/apigateway"
	"github.com/tfkr-ae/rotor/provision"
)

// Route store backends.
const (
	PersistenceSQLite = "sqlite"
	PersistenceYAML   = "yaml"
)

// DefaultRegions are offered when no regions are configured.
var DefaultRegions = []string{
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
	"eu-west-1", "eu-west-2", "eu-west-3", "eu-central-1", "eu-north-1",
	"ap-south-1", "ap-northeast-1", "ap-northeast-2", "ap-southeast-1", "ap-southeast-2",
	"ca-central-1", "sa-east-1",
}

var regionPattern = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d+$`)

// AWSConfig holds the credentials and pacing of the API Gateway provider.
type AWSConfig struct {
	apigateway.Credentials `mapstructure:",squash"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
	Burst                  int     `mapstructure:"burst"`
}

// Config is the content of config.yaml. Every key can be overridden from the
// environment with the ROTOR_ prefix, nested keys use "_" (ROTOR_AWS_PROFILE).
type Config struct {
	viper     *viper.Viper
	ConfigDir string `mapstructure:"-"`

	ListenAddress   string        `mapstructure:"listen_address"`
	ListenPort      string        `mapstructure:"listen_port"`
	AdminAddress    string        `mapstructure:"admin_address"`
	Database        string        `mapstructure:"database"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	MaxWorkers      int           `mapstructure:"max_workers"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	StageDenyList   []string      `mapstructure:"stage_deny_list"`
	DefaultStage    string        `mapstructure:"default_stage"`
	Regions         []string      `mapstructure:"regions"`
	AWS             AWSConfig     `mapstructure:"aws"`
	Persistence     string        `mapstructure:"persistence"`
	RoutesFile      string        `mapstructure:"routes_file"`
	Metrics         bool          `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", "127.0.0.1")
	v.SetDefault("listen_port", "8080")
	v.SetDefault("admin_address", "127.0.0.1:8081")
	v.SetDefault("database", "rotor.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("max_workers", provision.DefaultMaxWorkers)
	v.SetDefault("provider_timeout", provision.DefaultTimeout.String())
	v.SetDefault("stage_deny_list", provision.DefaultDeniedStages)
	v.SetDefault("default_stage", "v1")
	v.SetDefault("regions", DefaultRegions)
	v.SetDefault("aws.auth", apigateway.AuthDefault)
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.requests_per_second", apigateway.DefaultRequestsPerSecond)
	v.SetDefault("aws.burst", apigateway.DefaultBurst)
	v.SetDefault("persistence", PersistenceSQLite)
	v.SetDefault("routes_file", "routes.yaml")
	v.SetDefault("metrics", true)
}

// LoadConfig reads config.yaml from configDir, creating the directory and a
// file holding the defaults on first run.
func LoadConfig(configDir string) (*Config, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating config dir %s : %w", configDir, err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("ROTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
	}

	cfg := &Config{viper: v, ConfigDir: configDir}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the rest of the program relies on.
func (cfg *Config) Validate() error {
	if port, err := strconv.Atoi(cfg.ListenPort); err != nil || port < 1 || port > 65535 {
		return domain.NewValidationError("listen_port", "%q is not a valid port", cfg.ListenPort)
	}
	if cfg.MaxWorkers < 1 {
		return domain.NewValidationError("max_workers", "must be at least 1, got %d", cfg.MaxWorkers)
	}
	if cfg.ProviderTimeout <= 0 {
		return domain.NewValidationError("provider_timeout", "must be positive, got %s", cfg.ProviderTimeout)
	}
	switch cfg.Persistence {
	case PersistenceSQLite, PersistenceYAML:
	default:
		return domain.NewValidationError("persistence", "must be %q or %q, got %q", PersistenceSQLite, PersistenceYAML, cfg.Persistence)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return domain.NewValidationError("log_format", "must be text or json, got %q", cfg.LogFormat)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	for _, region := range cfg.Regions {
		if !regionPattern.MatchString(region) {
			return domain.NewValidationError("regions", "%q is not a region name", region)
		}
	}
	return nil
}

// Path resolves name against the config directory unless it is absolute.
func (cfg *Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.ConfigDir, name)
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, domain.NewValidationError("log_level", "must be debug, info, warn or error, got %q", level)
}

// NewLogger builds the process logger from log_level and log_format.
func (cfg *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (cfg *Config) saveRegions() error {
	cfg.viper.Set("regions", cfg.Regions)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration : %w", err)
	}
	return nil
}

// AddRegion appends region to the configured regions and saves the file.
func (cfg *Config) AddRegion(region string) error {
	region = strings.ToLower(strings.TrimSpace(region))
	if !regionPattern.MatchString(region) {
		return domain.NewValidationError("region", "%q is not a region name", region)
	}
	if slices.Contains(cfg.Regions, region) {
		return nil
	}
	cfg.Regions = append(cfg.Regions, region)
	return cfg.saveRegions()
}

// RemoveRegion drops region from the configured regions and saves the file.
func (cfg *Config) RemoveRegion(region string) error {
	region = strings.ToLower(strings.TrimSpace(region))
	if !slices.Contains(cfg.Regions, region) {
		return domain.NewValidationError("region", "%q is not configured", region)
	}
	cfg.Regions = slices.DeleteFunc(cfg.Regions, func(r string) bool { return r == region })
	return cfg.saveRegions()
}

// getSPKIHash returns the base64 SHA-256 of the certificate's Subject Public Key Info.
func getSPKIHash(cert *x509.Certificate) string {
	spkiHash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(spkiHash[:])
}

func writePEM(path string, perm os.FileMode, block *pem.Block) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opening %s for writing : %w", path, err)
	}
	defer out.Close()
	if err := pem.Encode(out, block); err != nil {
		return fmt.Errorf("writing %s : %w", path, err)
	}
	return nil
}

func saveCertAndKey(cert *x509.Certificate, priv any, configDir string) error {
	if err := writePEM(filepath.Join(configDir, certFile), 0o644, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return err
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshalling private key : %w", err)
	}
	return writePEM(filepath.Join(configDir, keyFile), 0o600, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
}

func readPEM(path, blockType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s : %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("decoding %s : no %s block", path, blockType)
	}
	return block.Bytes, nil
}

func loadCertAndKey(configDir string) (*x509.Certificate, any, error) {
	certBytes, err := readPEM(filepath.Join(configDir, certFile), "CERTIFICATE")
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate : %w", err)
	}

	keyBytes, err := readPEM(filepath.Join(configDir, keyFile), "PRIVATE KEY")
	if err != nil {
		return nil, nil, err
	}
	priv, err := x509.ParsePKCS8PrivateKey(keyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key : %w", err)
	}

	return cert, priv, nil
}
