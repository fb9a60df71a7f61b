package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	mobilebridge "github.com/marcelomoraestivit/poc-mobile"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("verbose", false, "enable debug logging")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long:  "Connect to the configured web endpoint and serve bridge traffic until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := mobilebridge.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Bridge.Secret == "" {
			return fmt.Errorf("bridge.secret is not set; run 'bridged config set bridge.secret <value>' first")
		}
		if cfg.Transport.URL == "" {
			return fmt.Errorf("transport.url is not set")
		}

		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		log := logrus.StandardLogger().WithField("component", "bridged")

		kv, err := cfg.OpenStore()
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer kv.Close()

		security := mobilebridge.NewSecurity(cfg.Bridge.Secret,
			mobilebridge.WithMaxMessageAge(cfg.MaxMessageAge()),
			mobilebridge.WithRateLimit(cfg.RateWindow(), cfg.Bridge.RateMax),
		)
		store := mobilebridge.NewOfflineStore(kv,
			mobilebridge.WithMaxCacheAge(cfg.MaxCacheAge()),
		)
		bridge := mobilebridge.NewBridge(security,
			mobilebridge.WithMessageTimeout(cfg.MessageTimeout()),
			mobilebridge.WithNotificationHandler(func(ctx context.Context, msgType string, payload json.RawMessage) {
				log.WithField("type", msgType).Info("notification received")
			}),
		)
		registerHandlers(bridge, store)

		var transport *mobilebridge.WSTransport
		transport = mobilebridge.NewWSTransport(cfg.Transport.URL,
			&mobilebridge.WSConfig{
				AutoReconnect:        cfg.Transport.AutoReconnect,
				MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
			},
			func(ctx context.Context, raw []byte) {
				// Dispatch off the read loop so a slow handler cannot stall
				// frame intake.
				go bridge.HandleRaw(ctx, raw, transport)
			},
		)

		monitor := mobilebridge.NewNetworkMonitor(transport)
		syncer := mobilebridge.NewSyncManager(store, bridge, monitor,
			mobilebridge.WithMaxRetries(cfg.Sync.MaxRetries),
			mobilebridge.WithAutoSync(cfg.Sync.AutoSync),
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		monitor.Start(ctx)
		defer monitor.Stop()
		syncer.Start(ctx)
		defer syncer.Stop()

		if err := transport.Connect(ctx); err != nil {
			log.WithError(err).Warn("initial connect failed; will retry in background")
		}
		defer transport.Disconnect()
		defer bridge.Clear()

		log.WithField("url", cfg.Transport.URL).Info("bridge daemon running")
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	},
}

// registerHandlers installs the built-in message handlers. Hosts embed the
// library and register their own; these cover the generic storage surface
// so a bare daemon is already useful.
func registerHandlers(bridge *mobilebridge.Bridge, store *mobilebridge.OfflineStore) {
	bridge.RegisterHandler("cache.get", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		data := store.GetCachedData(ctx, req.Key)
		return map[string]any{"found": data != nil, "data": data}, nil
	})

	bridge.RegisterHandler("cache.set", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Key  string          `json:"key"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		if req.Key == "" {
			return nil, fmt.Errorf("key is required")
		}
		if err := store.CacheData(ctx, req.Key, req.Data, 0); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	bridge.RegisterHandler("cache.remove", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		store.RemoveCachedData(ctx, req.Key)
		return map[string]bool{"ok": true}, nil
	})
}
