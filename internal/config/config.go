package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Ledger   LedgerConfig   `json:"ledger"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Workers  WorkersConfig  `json:"workers"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
	// InMemory skips Postgres entirely and keeps state in process.
	InMemory bool `json:"in_memory"`
}

// LedgerConfig holds every ledger address the services need. Nothing in
// the codebase hardcodes a contract or custody address.
type LedgerConfig struct {
	Simulated           bool          `json:"simulated"`
	RPCURL              string        `json:"rpc_url"`
	ChainID             int64         `json:"chain_id"`
	TokenAddress        string        `json:"token_address"`
	EscrowPrivateKey    string        `json:"escrow_private_key"`
	AccountKeys         []string      `json:"account_keys"`
	GasLimit            uint64        `json:"gas_limit"`
	PollInterval        time.Duration `json:"poll_interval"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`
	HashAlgorithm       string        `json:"hash_algorithm"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// WorkersConfig configures the reconciliation worker.
type WorkersConfig struct {
	ReconcileSchedule string `json:"reconcile_schedule"`
	BatchSize         int    `json:"batch_size"`
}

// LoadConfig loads configuration from file, a .env file and environment
// variables, in that order of increasing precedence.
func LoadConfig(configPath string) (*Config, error) {
	// Default config
	config := &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "bounty_portal",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
		},
		Ledger: LedgerConfig{
			ChainID:             31337,
			PollInterval:        2 * time.Second,
			ConfirmationTimeout: 2 * time.Minute,
			HashAlgorithm:       string(contenthash.Default),
		},
		Security: SecurityConfig{
			TokenTTL: 12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Workers: WorkersConfig{
			ReconcileSchedule: "@every 1m",
			BatchSize:         50,
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	// Override with environment variables
	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if v := os.Getenv("DATABASE_IN_MEMORY"); v != "" {
		config.Database.InMemory, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("LEDGER_SIMULATED"); v != "" {
		config.Ledger.Simulated, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		config.Ledger.RPCURL = v
	}
	if v := os.Getenv("LEDGER_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Ledger.ChainID = id
		}
	}
	if v := os.Getenv("LEDGER_TOKEN_ADDRESS"); v != "" {
		config.Ledger.TokenAddress = v
	}
	if v := os.Getenv("LEDGER_ESCROW_PRIVATE_KEY"); v != "" {
		config.Ledger.EscrowPrivateKey = v
	}
	if v := os.Getenv("LEDGER_ACCOUNT_KEYS"); v != "" {
		config.Ledger.AccountKeys = strings.Split(v, ",")
	}
	if v := os.Getenv("LEDGER_HASH_ALGORITHM"); v != "" {
		config.Ledger.HashAlgorithm = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Security.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// Validate checks the configuration for values the services cannot start
// without.
func (c *Config) Validate() error {
	if err := contenthash.Algorithm(c.Ledger.HashAlgorithm).Validate(); err != nil {
		return fmt.Errorf("ledger.hash_algorithm: %w", err)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if c.Ledger.EscrowPrivateKey == "" {
		return fmt.Errorf("ledger.escrow_private_key is required")
	}
	if _, err := c.Ledger.EscrowKey(); err != nil {
		return err
	}
	if _, err := c.Ledger.Keys(); err != nil {
		return err
	}
	if c.Ledger.Simulated {
		return nil
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required unless ledger.simulated is set")
	}
	if !common.IsHexAddress(c.Ledger.TokenAddress) {
		return fmt.Errorf("ledger.token_address %q is not a valid address", c.Ledger.TokenAddress)
	}
	if c.Ledger.ChainID <= 0 {
		return fmt.Errorf("ledger.chain_id must be positive")
	}
	return nil
}

// EscrowKey parses the custody account key.
func (l *LedgerConfig) EscrowKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(l.EscrowPrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger.escrow_private_key: %w", err)
	}
	return key, nil
}

// EscrowAddress derives the custody address from the escrow key.
func (l *LedgerConfig) EscrowAddress() (common.Address, error) {
	key, err := l.EscrowKey()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// Keys returns the escrow key followed by every custodial account key.
func (l *LedgerConfig) Keys() ([]*ecdsa.PrivateKey, error) {
	escrowKey, err := l.EscrowKey()
	if err != nil {
		return nil, err
	}
	keys := []*ecdsa.PrivateKey{escrowKey}
	for i, hexKey := range l.AccountKeys {
		hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
		if hexKey == "" {
			continue
		}
		k, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("ledger.account_keys[%d]: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ChainIDBig returns the chain id for transaction signing.
func (l *LedgerConfig) ChainIDBig() *big.Int {
	return big.NewInt(l.ChainID)
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
