// VSS ctl — ops-утилита для status API сервиса vss-dci.
//
// Использование:
//
//	vss-ctl [--api-url URL] [--json] <command> [subcommand] [flags]
//
// Команды:
//
//	status          Сводка по слотам и шине
//	slots list      Список слотов
//	slots show      Слот, последний скрипт и recovery
//	slots history   История состояний слота
//	bus reconnect   Сброс попыток и переподключение к шине
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/vss/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "vss-ctl",
		Short:         "vss-ctl — slot fleet operations tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("VSS_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8081"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "vss-dci API URL (env VSS_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewStatusCmd(clientFn, outputFn),
		cli.NewSlotsCmd(clientFn, outputFn),
		cli.NewBusCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
