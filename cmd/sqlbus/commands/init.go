package commands

import (
	"fmt"

	"github.com/sqlbus/sqlbus/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample SQLBus configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/sqlbus/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  sqlbus init

  # Initialize with custom path
  sqlbus init --config /etc/sqlbus/config.yaml

  # Force overwrite existing config
  sqlbus init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		// Use custom path
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		// Use default path
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point the stores section at your application databases")
	fmt.Println("  2. Deploy the message tables with: sqlbus migrate")
	fmt.Println("  3. Start the server with: sqlbus start")
	fmt.Printf("  4. Or specify custom config: sqlbus start --config %s\n", configPath)

	return nil
}
