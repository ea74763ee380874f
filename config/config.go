package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	LedgerMemory = "memory"
	LedgerERC20  = "erc20"
)

type Config struct {
	Env          string `env:"ENV" envDefault:"development"`
	ServerAddr   string `env:"SERVER_ADDR" envDefault:":8080"`
	WorkerCount  int    `env:"WORKER_COUNT" envDefault:"5"`
	DatabaseURL  string `env:"DATABASE_URL,expand"`
	RedisAddr    string `env:"REDIS_ADDR"`
	Escrow       Escrow `envPrefix:"ESCROW_"`
	Auth         Auth   `envPrefix:"AUTH_"`
	Ledger       Ledger `envPrefix:"LEDGER_"`
	OracleSecret string `env:"ORACLE_SECRET"`
}

type Escrow struct {
	Owner          string        `env:"OWNER_ADDRESS"`
	AllowedTokens  []string      `env:"ALLOWED_TOKENS" envSeparator:","`
	FeeBps         uint64        `env:"FEE_BPS" envDefault:"100"`
	AutoVerify     bool          `env:"AUTO_VERIFY" envDefault:"false"`
	TrustedFulfill bool          `env:"TRUSTED_FULFILL" envDefault:"false"`
	RefundAfter    time.Duration `env:"REFUND_AFTER" envDefault:"0s"`
}

type Auth struct {
	MaxSkew time.Duration `env:"MAX_SKEW" envDefault:"5m"`
}

type Ledger struct {
	Backend        string `env:"BACKEND" envDefault:"memory"`
	CustodyAddress string `env:"CUSTODY_ADDRESS"`
	RPCURL         string `env:"RPC_URL,expand"`
	CustodyKey     string `env:"CUSTODY_KEY"`
	ChainID        int64  `env:"CHAIN_ID" envDefault:"1"`
	// Seed funds the memory backend with holder:token:amount entries.
	Seed []string `env:"SEED" envSeparator:","`
}

// Seed is an opening balance on the memory ledger. The holder also approves
// custody for it.
type Seed struct {
	Holder common.Address
	Token  common.Address
	Amount *uint256.Int
}

// Load reads an optional .env file and then parses TWEETESCROW_* variables.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Printf("Warning: Failed to load .env file: %v", err)
	}
	return Parse()
}

func Parse() (*Config, error) {
	conf, err := env.ParseAsWithOptions[Config](env.Options{
		Prefix: "TWEETESCROW_",
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 5
	}
	if c.Escrow.FeeBps > 10_000 {
		return errors.Errorf("fee bps out of range: %d", c.Escrow.FeeBps)
	}
	if !common.IsHexAddress(c.Escrow.Owner) {
		return errors.Errorf("invalid owner address %q", c.Escrow.Owner)
	}
	for _, token := range c.Escrow.AllowedTokens {
		if !common.IsHexAddress(strings.TrimSpace(token)) {
			return errors.Errorf("invalid allowed token %q", token)
		}
	}
	switch c.Ledger.Backend {
	case LedgerMemory:
		if !common.IsHexAddress(c.Ledger.CustodyAddress) {
			return errors.Errorf("invalid custody address %q", c.Ledger.CustodyAddress)
		}
	case LedgerERC20:
		if c.Ledger.RPCURL == "" || c.Ledger.CustodyKey == "" {
			return errors.New("erc20 ledger requires RPC_URL and CUSTODY_KEY")
		}
	default:
		return errors.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if len(c.Ledger.Seed) > 0 && c.Ledger.Backend != LedgerMemory {
		return errors.Errorf("ledger seed is only supported by the %s backend", LedgerMemory)
	}
	if _, err := c.LedgerSeeds(); err != nil {
		return err
	}
	return nil
}

func parseSeed(entry string) (Seed, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) != 3 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return Seed{}, errors.Errorf("invalid ledger seed %q, want holder:token:amount", entry)
	}
	amount, err := uint256.FromDecimal(parts[2])
	if err != nil {
		return Seed{}, errors.Wrapf(err, "invalid ledger seed amount %q", parts[2])
	}
	return Seed{
		Holder: common.HexToAddress(parts[0]),
		Token:  common.HexToAddress(parts[1]),
		Amount: amount,
	}, nil
}

func (c *Config) LedgerSeeds() ([]Seed, error) {
	seeds := make([]Seed, 0, len(c.Ledger.Seed))
	for _, entry := range c.Ledger.Seed {
		seed, err := parseSeed(entry)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func (c *Config) Owner() common.Address {
	return common.HexToAddress(c.Escrow.Owner)
}

func (c *Config) Tokens() []common.Address {
	tokens := make([]common.Address, 0, len(c.Escrow.AllowedTokens))
	for _, token := range c.Escrow.AllowedTokens {
		tokens = append(tokens, common.HexToAddress(strings.TrimSpace(token)))
	}
	return tokens
}
