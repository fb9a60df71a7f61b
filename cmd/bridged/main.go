package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configFlag string

// configPath resolves the config file location: the --config flag when
// set, otherwise ~/.bridged/config.toml.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".bridged")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

var rootCmd = &cobra.Command{
	Use:   "bridged",
	Short: "Native-to-web bridge daemon",
	Long:  "Runs the message bridge between native hosts and web contexts.\nValidates traffic, caches data for offline use, and replays queued actions.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
