package subcommands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chassisd/chassis/internal/config"
)

var (
	initForce bool
)

// InitCmd writes a default configuration file.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: "Write a default configuration file.\n\n" +
		"Creates a configuration file populated with default values at the " +
		"default location. Refuses to overwrite an existing file unless " +
		"--force is given.",
	Example: `  # Create a default configuration file
  chassis config init

  # Overwrite an existing configuration file
  chassis config init --force`,
	PreRunE: validateInit,
	RunE:    runInit,
}

func init() {
	InitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration file")
}

func validateInit(cmd *cobra.Command, args []string) error {
	// All errors after this are runtime errors
	cmd.SilenceUsage = true
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.DefaultConfigPath()

	if config.ConfigExists() && !initForce {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.NewDefaultConfig()
	if err := config.WriteDefault(&cfg); err != nil {
		return err
	}

	fmt.Printf("Wrote default configuration to %s\n", configPath)
	return nil
}
