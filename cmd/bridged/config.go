package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	mobilebridge "github.com/marcelomoraestivit/poc-mobile"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bridged configuration",
	Long:  "View or modify the bridge daemon configuration stored in ~/.bridged/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'bridged config set bridge.secret <value>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: bridged config set store.backend sqlite",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := mobilebridge.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := mobilebridge.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// setConfigValue sets a config field using dot notation (e.g. "store.backend").
func setConfigValue(cfg *mobilebridge.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. store.backend)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, nil
	}
	parseBool := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}

	switch section {
	case "bridge":
		switch field {
		case "secret":
			cfg.Bridge.Secret = value
		case "message_timeout":
			cfg.Bridge.MessageTimeout = value
		case "max_message_age":
			cfg.Bridge.MaxMessageAge = value
		case "rate_window":
			cfg.Bridge.RateWindow = value
		case "rate_max":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Bridge.RateMax = n
		default:
			return fmt.Errorf("unknown field %q in section [bridge]", field)
		}
	case "store":
		switch field {
		case "backend":
			cfg.Store.Backend = value
		case "path":
			cfg.Store.Path = value
		case "redis_addr":
			cfg.Store.RedisAddr = value
		case "redis_db":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Store.RedisDB = n
		case "max_cache_age":
			cfg.Store.MaxCacheAge = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "sync":
		switch field {
		case "max_retries":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Sync.MaxRetries = n
		case "auto_sync":
			b, err := parseBool()
			if err != nil {
				return err
			}
			cfg.Sync.AutoSync = b
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "transport":
		switch field {
		case "url":
			cfg.Transport.URL = value
		case "auto_reconnect":
			b, err := parseBool()
			if err != nil {
				return err
			}
			cfg.Transport.AutoReconnect = b
		case "max_reconnect_attempts":
			n, err := atoi()
			if err != nil {
				return err
			}
			cfg.Transport.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [transport]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: bridge, store, sync, transport)", section)
	}
	return nil
}
