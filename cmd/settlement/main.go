package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/allocation"
	"github.com/smallbiznis/settlement/internal/audit"
	"github.com/smallbiznis/settlement/internal/billing"
	"github.com/smallbiznis/settlement/internal/charge"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/engine"
	"github.com/smallbiznis/settlement/internal/events"
	"github.com/smallbiznis/settlement/internal/ledger"
	"github.com/smallbiznis/settlement/internal/observability"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/payment"
	"github.com/smallbiznis/settlement/internal/payout"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/processor/gateway"
	"github.com/smallbiznis/settlement/internal/processor/midtrans"
	"github.com/smallbiznis/settlement/internal/schema"
	"github.com/smallbiznis/settlement/internal/transfer"
	"github.com/smallbiznis/settlement/internal/webhook"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "settlement",
		Short:         "Campaign payment settlement engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the settlement workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			app := fx.New(options(cfg)...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			conn, err := db.Open(cfg.Database)
			if err != nil {
				return err
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := schema.Migrate(ctx, conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	})

	return root
}

func options(cfg config.Config) []fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg),
		fx.Provide(newNode),
		observability.Module,
		db.Module,
		clock.Module,
	}
	if cfg.Database.AutoMigrate {
		// Runs before any module starts its workers.
		opts = append(opts, fx.Module("schema", fx.Invoke(autoMigrate)))
	}
	opts = append(opts, adapterProviders(cfg)...)
	opts = append(opts,
		processor.Module,
		events.Module,
		ledger.Module,
		audit.Module,
		allocation.Module,
		payment.Module,
		charge.Module,
		transfer.Module,
		payout.Module,
		payout.WorkerModule,
		webhook.Module,
		webhook.ReplayModule,
		billing.Module,
		engine.Module,
	)
	return opts
}

func newNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// adapterProviders contributes one adapter per configured processor.
func adapterProviders(cfg config.Config) []fx.Option {
	var opts []fx.Option
	if cfg.Processor.Midtrans.ServerKey != "" {
		opts = append(opts, fx.Provide(fx.Annotate(
			func(cfg config.Config) (processor.Adapter, error) {
				return midtrans.New(cfg.Processor.Midtrans)
			},
			fx.ResultTags(`group:"processor.adapters"`),
		)))
	}
	if cfg.Processor.Gateway.BaseURL != "" {
		opts = append(opts, fx.Provide(fx.Annotate(
			func(cfg config.Config) (processor.Adapter, error) {
				client := tracing.WrapHTTPClient(&http.Client{Timeout: cfg.Processor.Timeout})
				return gateway.New(cfg.Processor.Gateway, client)
			},
			fx.ResultTags(`group:"processor.adapters"`),
		)))
	}
	return opts
}

func autoMigrate(lc fx.Lifecycle, conn *gorm.DB, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("applying schema")
			return schema.Migrate(ctx, conn)
		},
	})
}
