package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/admp/hub/internal/agentsvc"
	"github.com/admp/hub/internal/bus"
	"github.com/admp/hub/internal/config"
	"github.com/admp/hub/internal/group"
	"github.com/admp/hub/internal/inbox"
	"github.com/admp/hub/internal/policy"
	"github.com/admp/hub/internal/roundtable"
	"github.com/admp/hub/internal/scheduler"
	"github.com/admp/hub/internal/store"
	"github.com/admp/hub/internal/store/memstore"
	"github.com/admp/hub/internal/store/sqlstore"
	"github.com/admp/hub/internal/webhookpush"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Wire up storage and services and run the background sweeps and webhook worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var st store.Store
	switch cfg.Storage.Backend {
	case config.StorageBackendMech:
		st, err = sqlstore.Open(cfg.Storage.RemoteURL)
		if err != nil {
			return err
		}
	default:
		st = memstore.New()
	}
	defer st.Close()

	resolvePolicy := func(tenantID string) store.RegistrationStatusPolicy {
		t, err := st.GetTenant(context.Background(), tenantID)
		if err != nil || t == nil {
			if cfg.Registration.Policy == config.RegistrationApprovalRequired {
				return store.TenantPolicyApprovalRequired
			}
			return store.TenantPolicyOpen
		}
		return t.Policy
	}

	agents := agentsvc.New(st, resolvePolicy)
	pushBus := bus.NewPushBus(256)
	pushBus.Subscribe("", func(e bus.DeliveryEvent) {
		slog.Info("webhook delivery event", "message", e.MessageID, "recipient", e.Recipient, "attempt", e.Attempt, "success", e.Success)
	})

	policyFor := func(ctx context.Context, recipient string) (policy.Engine, error) {
		return policy.AllowAll{}, nil
	}
	ib := inbox.New(st, agents, inbox.Config{
		DefaultTTL:        time.Duration(cfg.Inbox.DefaultTTLSec) * time.Second,
		DefaultVisibility: time.Duration(cfg.Inbox.DefaultVisibilityTOSec) * time.Second,
		MaxAttempts:       cfg.Inbox.MaxAttempts,
	}, policyFor, pushBus)

	var mirror group.Mirror
	if cfg.Kafka.Enabled() {
		km := group.NewKafkaMirror(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer km.Close()
		mirror = km
	}
	groups := group.New(st, ib, mirror)
	roundtables := roundtable.New(st, groups, ib)

	pusher := webhookpush.New(st, pushBus, webhookpush.Config{
		RequestTimeout: cfg.Webhook.RequestTimeout(),
	})

	sweeper := scheduler.New(scheduler.Config{
		TickInterval:      cfg.Scheduler.Interval(),
		HeartbeatTimeout:  cfg.Heartbeat.Timeout(),
		RoundTablePurgeMS: cfg.RoundTable.PurgeAfter(),
	}, st)
	sweeper.SetRoundTableExpirer(roundtables.ExpireStale)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	color.Green("admp-hubd starting on port %d (storage=%s)", cfg.Server.Port, cfg.Storage.Backend)
	slog.Info("admp-hubd wired", "storage", cfg.Storage.Backend, "registration_policy", cfg.Registration.Policy)

	go pusher.Run(ctx)
	go sweeper.Run(ctx)

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}
