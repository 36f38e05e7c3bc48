package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Provider loads configuration from a file plus the environment.
type Provider interface {
	Load(file string) (*Config, error)
}

type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

type Store struct {
	URL string
}

type Ledger struct {
	RPCURL          string
	ChainID         int64
	SignerSecret    string
	ContractAddress string
	Confirmations   uint64
}

// Simulated reports whether anchors go to the in-process chain instead of a real node.
func (r Ledger) Simulated() bool {
	return r.RPCURL == "" || strings.HasPrefix(r.RPCURL, "memory:")
}

type Session struct {
	Secret string
	TTL    time.Duration
}

type Saga struct {
	MaxFileBytes     int64
	Deadline         time.Duration
	Workers          int
	RecoveryInterval time.Duration
}

type RateLimit struct {
	PerWallet int64
	PerIP     int64
	Window    time.Duration
	RedisURL  string
}

type Log struct {
	Level  string
	Format string
}

// Config is read once at startup and passed by value to the components that need it.
type Config struct {
	API           Endpoint
	Metrics       Endpoint
	PublicURL     string
	Store         Store
	Ledger        Ledger
	BlobProviders string
	EncryptionKey string
	Session       Session
	Saga          Saga
	RateLimit     RateLimit
	AMQPURL       string
	Log           Log

	// Roles maps wallets to directory roles. Unlisted wallets are owners.
	Roles map[string]string

	// Webhooks maps audit event kinds, or "*", to the URLs notified for them.
	Webhooks map[string][]string
}

// Validate checks the settings every server process needs.
func (r *Config) Validate() error {
	key, err := hex.DecodeString(strings.TrimPrefix(r.EncryptionKey, "0x"))
	if err != nil || len(key) != 32 {
		return errors.New("ENCRYPTION_KEY must be 32 bytes of hex")
	}

	if r.Session.Secret == "" {
		return errors.New("SESSION_SECRET is required")
	}

	if r.Session.TTL <= 0 {
		return errors.New("SESSION_TTL_SECONDS must be positive")
	}

	if r.Saga.MaxFileBytes <= 0 {
		return errors.New("MAX_FILE_BYTES must be positive")
	}

	if r.Saga.Deadline <= 0 {
		return errors.New("SAGA_DEADLINE_SECONDS must be positive")
	}

	if strings.TrimSpace(r.BlobProviders) == "" {
		return errors.New("BLOB_PROVIDERS is required")
	}

	if !r.Ledger.Simulated() {
		if r.Ledger.SignerSecret == "" {
			return errors.New("LEDGER_SIGNER_SECRET is required with LEDGER_RPC_URL")
		}
		if r.Ledger.ContractAddress == "" {
			return errors.New("LEDGER_CONTRACT_ADDRESS is required with LEDGER_RPC_URL")
		}
	}

	return nil
}
