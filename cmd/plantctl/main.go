// Command plantctl inspects and maintains the identification database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	app := &app{}
	root := &cobra.Command{
		Use:           "plantctl",
		Short:         "Maintenance commands for the plant identification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.open(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return app.close()
		},
	}
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (defaults to $CONFIG_PATH or config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "assess",
			Short: "Check whether enough new labeled images exist to retrain",
			Args:  cobra.NoArgs,
			RunE:  app.runAssess,
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print session and feedback statistics",
			Args:  cobra.NoArgs,
			RunE:  app.runStats,
		},
		newMarkTrainedCmd(app),
		&cobra.Command{
			Use:   "import-species FILE",
			Short: "Load species reference data from a YAML file",
			Args:  cobra.ExactArgs(1),
			RunE:  app.runImportSpecies,
		},
	)
	return root
}

func newMarkTrainedCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark-trained",
		Short: "Record that a training run consumed every image collected so far",
		Args:  cobra.NoArgs,
		RunE:  app.runMarkTrained,
	}
	cmd.Flags().StringVar(&app.note, "note", "", "free-form note stored with the training run")
	return cmd
}
