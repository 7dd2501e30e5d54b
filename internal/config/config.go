package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// MemoryDB as the database URL selects the in-process store. State is lost
// on restart.
const MemoryDB = "memory"

type Config struct {
	ListenAddr  string `env:"SIGIL_LISTEN_ADDR" envDefault:":8080"`
	DBURL       string `env:"SIGIL_DB_URL"`
	RedisURL    string `env:"SIGIL_REDIS_URL"`
	TLSCertPath string `env:"SIGIL_TLS_CERT"`
	TLSKeyPath  string `env:"SIGIL_TLS_KEY"`
	FieldKeyB64 string `env:"SIGIL_FIELD_KEY"`

	Issuer           string `env:"SIGIL_ISSUER"`
	SigningKeyPath   string `env:"SIGIL_SIGNING_KEY_PATH"`
	SigningKeyID     string `env:"SIGIL_SIGNING_KEY_ID"`
	ResourceAudience string `env:"SIGIL_RESOURCE_AUDIENCE" envDefault:"sigil-resources"`

	RPID             string   `env:"SIGIL_WEBAUTHN_RP_ID" envDefault:"localhost"`
	RPName           string   `env:"SIGIL_WEBAUTHN_RP_NAME" envDefault:"Sigil"`
	RPOrigins        []string `env:"SIGIL_WEBAUTHN_ORIGINS" envSeparator:","`
	UserVerification string   `env:"SIGIL_WEBAUTHN_USER_VERIFICATION" envDefault:"required"`

	SessionTTL      time.Duration `env:"SIGIL_SESSION_TTL" envDefault:"720h"`
	LoginRequestTTL time.Duration `env:"SIGIL_LOGIN_REQUEST_TTL" envDefault:"5m"`
	CeremonyTTL     time.Duration `env:"SIGIL_CEREMONY_TTL" envDefault:"5m"`
	AuthCodeTTL     time.Duration `env:"SIGIL_AUTH_CODE_TTL" envDefault:"10m"`
	CleanupInterval time.Duration `env:"SIGIL_CLEANUP_INTERVAL" envDefault:"10m"`
	TrustCodeRate   int           `env:"SIGIL_TRUST_CODE_RATE" envDefault:"5"`

	VAPIDPublicKey  string `env:"SIGIL_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"SIGIL_VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"SIGIL_VAPID_SUBJECT"`

	FieldKey []byte
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FieldKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.FieldKeyB64)
		if err != nil {
			return Config{}, errors.New("field key must be base64")
		}
		cfg.FieldKey = key
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if u, err := url.Parse(c.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("issuer must be an absolute url")
	}
	if c.SigningKeyPath == "" || c.SigningKeyID == "" {
		return errors.New("signing key path and id are required")
	}
	if c.RPID == "" || len(c.RPOrigins) == 0 {
		return errors.New("webauthn rp id and origins are required")
	}
	switch c.UserVerification {
	case "required", "preferred", "discouraged":
	default:
		return errors.New("webauthn user verification must be required, preferred or discouraged")
	}
	if c.SessionTTL <= 0 || c.LoginRequestTTL <= 0 || c.AuthCodeTTL <= 0 {
		return errors.New("ttls must be positive")
	}
	if c.CeremonyTTL < 5*time.Minute || c.CeremonyTTL > 15*time.Minute {
		return errors.New("ceremony ttl must be between 5m and 15m")
	}
	if c.TrustCodeRate <= 0 {
		return errors.New("trust code rate must be positive")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("both vapid keys are required when enabling push")
	}
	return nil
}

// ValidateStorage checks only what opening the durable store needs. Admin
// commands use it so they run without signing or WebAuthn settings.
func (c Config) ValidateStorage() error {
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.DBURL == MemoryDB {
		return nil
	}
	if len(c.FieldKey) != 32 {
		return errors.New("field key must be 32 bytes (base64-encoded)")
	}
	return nil
}

// PushEnabled reports whether web push delivery is configured.
func (c Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}
