package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/prayerfeed/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Prayerfeed Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.HTTP.Listen = prompt(scanner, "Listen address", cfg.HTTP.Listen)
		cfg.HTTP.ViewerHeader = prompt(scanner, "Viewer identity header", cfg.HTTP.ViewerHeader)
		if n, err := strconv.ParseInt(prompt(scanner, "Max connections", strconv.FormatInt(cfg.HTTP.MaxConnections, 10)), 10, 64); err == nil {
			cfg.HTTP.MaxConnections = n
		}

		cfg.Store.Backend = prompt(scanner, "Content backend (file or mongo)", cfg.Store.Backend)
		if cfg.Store.Backend == config.BackendMongo {
			cfg.Store.Mongo.URI = prompt(scanner, "MongoDB URI", cfg.Store.Mongo.URI)
			cfg.Store.Mongo.Database = prompt(scanner, "MongoDB database", cfg.Store.Mongo.Database)
		}

		cfg.Stream.TickInterval = promptDuration(scanner, "Check interval", cfg.Stream.TickInterval)
		cfg.Stream.MinEmitInterval = promptDuration(scanner, "Minimum time between notifications", cfg.Stream.MinEmitInterval)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func promptDuration(scanner *bufio.Scanner, label string, defaultVal config.Duration) config.Duration {
	raw := prompt(scanner, label, defaultVal.String())
	d, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Printf("  %q is not a duration, keeping %s\n", raw, defaultVal)
		return defaultVal
	}
	return config.Duration(d)
}
