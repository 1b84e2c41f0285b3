package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/urfave/cli/v2"

	"github.com/emberward/residentd/agent"
	"github.com/emberward/residentd/api"
	"github.com/emberward/residentd/cmd/flags"
	"github.com/emberward/residentd/common"
	"github.com/emberward/residentd/custody"
	"github.com/emberward/residentd/engine"
	"github.com/emberward/residentd/envelope"
	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/seal"
	"github.com/emberward/residentd/store"
	"github.com/emberward/residentd/vault"
)

var (
	listenAddrFlag = &cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address for the admin API to listen on",
	}
	dbPathFlag = &cli.StringFlag{
		Name:  "db-path",
		Value: "residentd.db",
		Usage: "path to the SQLite record store",
	}
	vaultBackendFlag = &cli.StringFlag{
		Name:  "vault-backend",
		Value: "file",
		Usage: "blob vault backend: 'file' or 's3'",
	}
	vaultDirFlag = &cli.StringFlag{
		Name:  "vault-dir",
		Value: "vault",
		Usage: "directory for the file vault backend",
	}
	s3BucketFlag = &cli.StringFlag{
		Name:  "s3-bucket",
		Usage: "bucket for the s3 vault backend",
	}
	s3PrefixFlag = &cli.StringFlag{
		Name:  "s3-prefix",
		Value: "residents/",
		Usage: "key prefix for the s3 vault backend",
	}
	s3RegionFlag = &cli.StringFlag{
		Name:  "s3-region",
		Value: "us-east-1",
		Usage: "region for the s3 vault backend",
	}
	s3EndpointFlag = &cli.StringFlag{
		Name:  "s3-endpoint",
		Usage: "custom S3 endpoint (for S3-compatible stores)",
	}
	completionAPIKeyFlag = &cli.StringFlag{
		Name:    "completion-api-key",
		EnvVars: []string{"RESIDENTD_COMPLETION_API_KEY"},
		Usage:   "API key for the completion provider",
	}
	completionBaseURLFlag = &cli.StringFlag{
		Name:  "completion-base-url",
		Usage: "base URL of an OpenAI-compatible completion endpoint",
	}
	runIntervalFlag = &cli.DurationFlag{
		Name:  "run-interval",
		Value: 24 * time.Hour,
		Usage: "interval between run sweeps over active residents",
	}
	dailyAllocationFlag = &cli.Int64Flag{
		Name:  "daily-allocation",
		Value: 10_000,
		Usage: "token allocation granted per run",
	}
	maxBankFlag = &cli.Int64Flag{
		Name:  "max-bank",
		Value: 100_000,
		Usage: "cap on banked token carryover",
	}
	historyLimitFlag = &cli.IntFlag{
		Name:  "history-limit",
		Value: 50,
		Usage: "bounded conversation history length",
	}
	peerPostWindowFlag = &cli.IntFlag{
		Name:  "peer-post-window",
		Value: 10,
		Usage: "peer posts included in each run context",
	}
)

func main() {
	app := &cli.App{
		Name:  "residentd",
		Usage: "key custody and secure run engine for resident agents",
		Flags: append([]cli.Flag{
			listenAddrFlag,
			dbPathFlag,
			vaultBackendFlag,
			vaultDirFlag,
			s3BucketFlag,
			s3PrefixFlag,
			s3RegionFlag,
			s3EndpointFlag,
			completionAPIKeyFlag,
			completionBaseURLFlag,
			runIntervalFlag,
			dailyAllocationFlag,
			maxBankFlag,
			historyLimitFlag,
			peerPostWindowFlag,
		}, flags.CommonFlags...),
		Action: runService,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runService(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)

	// memguard owns the enclaves holding the master key; purge them on any
	// exit path.
	defer memguard.Purge()

	st, err := store.Open(cCtx.String(dbPathFlag.Name), log)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer st.Close()

	blobs, err := buildVault(cCtx, log)
	if err != nil {
		return err
	}
	log.Info("Blob vault ready", slog.String("backend", blobs.Name()))

	sealMgr := seal.NewManager(log)
	coord := custody.NewCoordinator(st, sealMgr, log)
	env := envelope.NewService(sealMgr, blobs, log)

	client, err := agent.NewOpenAIClient(agent.OpenAIConfig{
		APIKey:  cCtx.String(completionAPIKeyFlag.Name),
		BaseURL: cCtx.String(completionBaseURLFlag.Name),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}

	eng := engine.New(engine.Config{
		DailyAllocation: cCtx.Int64(dailyAllocationFlag.Name),
		MaxBank:         cCtx.Int64(maxBankFlag.Name),
		HistoryLimit:    cCtx.Int(historyLimitFlag.Name),
		PeerPostWindow:  cCtx.Int(peerPostWindowFlag.Name),
	}, env, st, client, log)

	handler := api.NewHandler(sealMgr, coord, st, env, log)
	srv := api.NewServer(flags.ConfigureServer(cCtx, log, cCtx.String(listenAddrFlag.Name)), handler)
	srv.RunInBackground()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("residentd started",
		slog.String("version", common.Version),
		slog.Duration("runInterval", cCtx.Duration(runIntervalFlag.Name)))

	runSweeps(ctx, eng, sealMgr, cCtx.Duration(runIntervalFlag.Name), log)

	log.Info("Shutting down")
	srv.Shutdown()
	sealMgr.Reseal()
	return nil
}

// runSweeps drives the scheduler loop until the context is cancelled. Sweeps
// while sealed are skipped; every run would fail closed anyway.
func runSweeps(ctx context.Context, eng *engine.Engine, sealMgr *seal.Manager, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sealMgr.IsSealed() {
				log.Info("Skipping run sweep: system is sealed")
				continue
			}
			eng.RunAll(ctx)
		}
	}
}

func buildVault(cCtx *cli.Context, log *slog.Logger) (interfaces.BlobStore, error) {
	switch backend := cCtx.String(vaultBackendFlag.Name); backend {
	case "file":
		return vault.NewFileVault(cCtx.String(vaultDirFlag.Name), log)
	case "s3":
		return vault.NewS3Vault(vault.S3Config{
			Bucket:   cCtx.String(s3BucketFlag.Name),
			Prefix:   cCtx.String(s3PrefixFlag.Name),
			Region:   cCtx.String(s3RegionFlag.Name),
			Endpoint: cCtx.String(s3EndpointFlag.Name),
		}, log)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", backend)
	}
}
