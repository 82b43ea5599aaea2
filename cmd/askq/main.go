package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	askq_cmds "github.com/go-go-golems/askq/cmd/askq/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "askq",
	Short: "askq asks many models the same question and compares their answers",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("askq", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	serveCmd, err := askq_cmds.NewServeCommand()
	cobra.CheckErr(err)
	askCmd, err := askq_cmds.NewAskCommand()
	cobra.CheckErr(err)
	modelsCmd, err := askq_cmds.NewModelsCommand()
	cobra.CheckErr(err)

	cobraServe, err := cli.BuildCobraCommand(serveCmd, cli.WithCobraMiddlewaresFunc(askq_cmds.GetMiddlewares))
	cobra.CheckErr(err)
	cobraAsk, err := cli.BuildCobraCommand(askCmd, cli.WithCobraMiddlewaresFunc(askq_cmds.GetMiddlewares))
	cobra.CheckErr(err)
	cobraModels, err := cli.BuildCobraCommand(modelsCmd, cli.WithCobraMiddlewaresFunc(askq_cmds.GetMiddlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(cobraServe, cobraAsk, cobraModels)

	cobra.CheckErr(rootCmd.Execute())
}
