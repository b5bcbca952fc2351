package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/spf13/cobra"

	sdk "github.com/cosmos/cosmos-sdk/types"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/chain"
	"onchainflip/apps/coord/internal/config"
	"onchainflip/apps/coord/internal/game"
	"onchainflip/apps/coord/internal/indexer"
	"onchainflip/apps/coord/internal/jackpot"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/relayer"
	"onchainflip/apps/coord/internal/server"
	"onchainflip/apps/coord/internal/store"
	"onchainflip/apps/coord/internal/vault"
)

const (
	// BinaryName of the coordination daemon.
	BinaryName = "ocfd"
	// Bech32Prefix for account addresses on the settlement chain.
	Bech32Prefix = "flip"
)

func initSDKConfig() {
	cfg := sdk.GetConfig()
	cfg.SetBech32PrefixForAccount(Bech32Prefix, Bech32Prefix+"pub")
	cfg.SetBech32PrefixForValidator(Bech32Prefix+"valoper", Bech32Prefix+"valoperpub")
	cfg.SetBech32PrefixForConsensusNode(Bech32Prefix+"valcons", Bech32Prefix+"valconspub")
	cfg.Seal()
}

// NewRootCmd creates the root command for ocfd. It is called once in main.
func NewRootCmd() *cobra.Command {
	initSDKConfig()

	rootCmd := &cobra.Command{
		Use:           BinaryName,
		Short:         "OnChainFlip transaction coordination daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("home", ".ocf", "daemon home directory")
	rootCmd.AddCommand(startCmd())
	return rootCmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the coordinator: relayer, indexer, jackpot engine, HTTP adapter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg config.Config) error {
	logger := log.NewLogger(os.Stderr)

	st, err := store.Open(cfg.Home)
	if err != nil {
		return err
	}
	defer st.Close()

	machine := bets.NewMachine(st, logger)
	pending := vault.NewPendingLocks(cfg.PendingLockTTL)
	vlt := vault.New(st, pending, cfg.BalanceCacheTTL, logger)
	bus := notify.NewBus(logger)

	chainClient := chain.NewClient(cfg.RestURL, cfg.ChainTimeout, logger)
	rl, err := relayer.New(chainClient, relayer.Config{
		Mnemonic:  cfg.RelayerMnemonic,
		ChainID:   cfg.ChainID,
		Contract:  cfg.Contract,
		GasLimit:  cfg.GasLimit,
		FeeAmount: sdk.NewCoins(sdk.NewInt64Coin(cfg.FeeDenom, cfg.FeeAmount)),
	}, logger)
	if err != nil {
		return err
	}

	tiers, err := cfg.Tiers()
	if err != nil {
		return err
	}
	engine := jackpot.NewEngine(st, vlt, machine, bus, tiers, nil, logger)
	if err := engine.EnsurePools(); err != nil {
		return err
	}
	if err := engine.Backfill(); err != nil {
		return err
	}

	minBet, err := cfg.MinBet()
	if err != nil {
		return err
	}
	svc := game.NewService(machine, vlt, rl, chainClient, bus, game.Config{
		Contract:      cfg.Contract,
		TokenContract: cfg.TokenContract,
		MinBet:        minBet,
		MaxOpenBets:   cfg.MaxOpenBets,
		ConfirmWindow: cfg.ConfirmWindow,
		TreasuryAddr:  cfg.TreasuryAddr,
	}, logger)

	ix := indexer.New(chainClient, st, machine, vlt, bus, indexer.Config{
		Contract:     cfg.Contract,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.MaxBatchSize,
		OrphanPolicy: indexer.OrphanPolicy(cfg.OrphanPolicy),
	}, logger)
	ix.OnSettled = engine.Contribute

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if bal, err := chainClient.BankBalance(ctx, rl.Address(), cfg.FeeDenom); err != nil {
		logger.Warn("relayer gas balance check failed", "err", err)
	} else if bal.LT(sdkmath.NewInt(cfg.FeeAmount * 100)) {
		logger.Warn("relayer gas balance low", "balance", bal.String(), "denom", cfg.FeeDenom)
	}

	go ix.Run(ctx)
	go pending.RunJanitor(ctx, 30*time.Second)
	go svc.RunRecovery(ctx, cfg.RecoveryInterval)
	go engine.RunSweep(ctx, time.Minute)

	srv := server.New(svc, machine, engine, tiers, logger)
	logger.Info("coordinator started",
		"chain_id", cfg.ChainID, "contract", cfg.Contract, "relayer", rl.Address())
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}
