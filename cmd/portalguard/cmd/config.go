package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/portalguard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	Long: `Print the configuration after defaults, the config file, environment
variables and --dev have been applied. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if f := config.ConfigFileUsed(); f != "" {
			fmt.Fprintf(out, "# %s\n", f)
		}
		data, err := yaml.Marshal(redactConfig(*cfg))
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// redactConfig masks secrets in a copy of cfg.
func redactConfig(cfg config.Config) config.Config {
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "********"
	}
	return cfg
}
