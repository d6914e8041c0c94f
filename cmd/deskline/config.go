package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var configShowReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print the session token unmasked")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Deskline configuration",
	Long:  "View or modify the Deskline CLI configuration stored in ~/.deskline/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration a session would use: the config file merged with\n" +
		"--base-url/--realtime-url and the built-in defaults. The token is masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintln(out, "# No configuration file found. Run 'deskline init <base-url>' to create one.")
		} else {
			fmt.Fprintf(out, "# %s\n", path)
		}

		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		data, err := renderConfig(cfg, configShowReveal)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

// renderConfig encodes cfg as TOML, masking the session token unless reveal
// is set.
func renderConfig(cfg *Config, reveal bool) ([]byte, error) {
	shown := *cfg
	if !reveal && shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(shown)
	if err != nil {
		return nil, errors.Wrap(err, "cannot render config")
	}
	return data, nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: deskline config set default.user_name \"Sarah Chen\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
