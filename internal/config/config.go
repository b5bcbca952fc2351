package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/spf13/viper"

	"onchainflip/apps/coord/internal/jackpot"
)

// EnvPrefix prefixes every environment override, e.g. OCF_CHAIN_ID.
const EnvPrefix = "OCF"

// Config is the full daemon configuration, loadable from flags, a config
// file, and OCF_* environment variables.
type Config struct {
	Home       string `mapstructure:"home"`
	ListenAddr string `mapstructure:"listen_addr"`

	ChainID       string `mapstructure:"chain_id"`
	RestURL       string `mapstructure:"rest_url"`
	Contract      string `mapstructure:"contract"`
	TokenContract string `mapstructure:"token_contract"`

	RelayerMnemonic string `mapstructure:"relayer_mnemonic"`
	TreasuryAddr    string `mapstructure:"treasury_addr"`
	GasLimit        uint64 `mapstructure:"gas_limit"`
	FeeAmount       int64  `mapstructure:"fee_amount"`
	FeeDenom        string `mapstructure:"fee_denom"`

	MinBetAmount string `mapstructure:"min_bet_amount"`
	MaxOpenBets  int    `mapstructure:"max_open_bets"`
	MaxBatchSize int    `mapstructure:"max_batch_size"`
	OrphanPolicy string `mapstructure:"orphan_policy"`

	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ConfirmWindow    time.Duration `mapstructure:"confirm_window"`
	ChainTimeout     time.Duration `mapstructure:"chain_timeout"`
	BalanceCacheTTL  time.Duration `mapstructure:"balance_cache_ttl"`
	PendingLockTTL   time.Duration `mapstructure:"pending_lock_ttl"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`

	Jackpot []TierConfig `mapstructure:"jackpot"`
}

// TierConfig is one jackpot tier as configured.
type TierConfig struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Target          string `mapstructure:"target"`
	MinGames        int    `mapstructure:"min_games"`
	ContributionBps uint64 `mapstructure:"contribution_bps"`
	MinVIPTier      int    `mapstructure:"min_vip_tier"`
}

// MinBet parses the configured minimum stake.
func (c Config) MinBet() (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(c.MinBetAmount)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("bad min_bet_amount %q", c.MinBetAmount)
	}
	return v, nil
}

// Tiers converts the configured jackpot tiers into engine tiers.
func (c Config) Tiers() ([]jackpot.Tier, error) {
	out := make([]jackpot.Tier, 0, len(c.Jackpot))
	for _, tc := range c.Jackpot {
		target, ok := sdkmath.NewIntFromString(tc.Target)
		if !ok {
			return nil, fmt.Errorf("tier %s: bad target %q", tc.ID, tc.Target)
		}
		out = append(out, jackpot.Tier{
			ID:              tc.ID,
			Name:            tc.Name,
			Target:          target,
			MinGames:        tc.MinGames,
			ContributionBps: tc.ContributionBps,
			MinVIPTier:      tc.MinVIPTier,
			Active:          true,
		})
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", ".ocf")
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	// Empty defaults keep env-only overrides visible to Unmarshal.
	v.SetDefault("chain_id", "")
	v.SetDefault("rest_url", "")
	v.SetDefault("contract", "")
	v.SetDefault("token_contract", "")
	v.SetDefault("relayer_mnemonic", "")
	v.SetDefault("treasury_addr", "")
	v.SetDefault("fee_denom", "uflip")
	v.SetDefault("fee_amount", 500)
	v.SetDefault("gas_limit", 400_000)
	v.SetDefault("min_bet_amount", "1000000")
	v.SetDefault("max_open_bets", 5)
	v.SetDefault("max_batch_size", 10)
	v.SetDefault("orphan_policy", "hold")
	v.SetDefault("poll_interval", 3*time.Second)
	v.SetDefault("confirm_window", 60*time.Second)
	v.SetDefault("chain_timeout", 5*time.Second)
	v.SetDefault("balance_cache_ttl", 30*time.Second)
	v.SetDefault("pending_lock_ttl", 90*time.Second)
	v.SetDefault("recovery_interval", 30*time.Second)
	v.SetDefault("jackpot", defaultTiers())
}

func defaultTiers() []map[string]any {
	return []map[string]any{
		{"id": "mini", "name": "Mini", "target": "1000000", "min_games": 1, "contribution_bps": 20},
		{"id": "minor", "name": "Minor", "target": "10000000", "min_games": 5, "contribution_bps": 15},
		{"id": "major", "name": "Major", "target": "100000000", "min_games": 10, "contribution_bps": 10},
		{"id": "mega", "name": "Mega", "target": "500000000", "min_games": 25, "contribution_bps": 5},
		{"id": "grand", "name": "Grand", "target": "1000000000", "min_games": 50, "contribution_bps": 5, "min_vip_tier": 1},
	}
}

// Load reads the configuration: defaults, then an optional config file under
// home, then OCF_* environment variables.
func Load(home string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if home != "" {
		v.Set("home", home)
	}

	v.SetConfigName("coord")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("home"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.RestURL == "" {
		return fmt.Errorf("rest_url is required")
	}
	if c.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if c.Contract == "" {
		return fmt.Errorf("contract is required")
	}
	if c.RelayerMnemonic == "" {
		return fmt.Errorf("relayer_mnemonic is required")
	}
	if _, err := c.MinBet(); err != nil {
		return err
	}
	_, err := c.Tiers()
	return err
}
