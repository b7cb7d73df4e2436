// vestra — инструмент командной строки для запуска flow, вызова узлов
// и просмотра очередей приборов через HTTP API оркестратора.
//
// Использование:
//
//	vestra [--api-url URL] [--json] [--timeout D] <command> <subcommand> [flags]
//
// Команды:
//
//	flow        Запуск flow
//	run         Управление запусками flow
//	node        Выполнение узлов
//	instrument  Приборы и их очереди
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/vestra/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:           "vestra",
		Short:         "vestra CLI: lab flow orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("VESTRA_API_URL", "http://localhost:8085"), "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", cli.DefaultTimeout, "HTTP request timeout")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, timeout) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewFlowCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewNodeCmd(clientFn, outputFn),
		cli.NewInstrumentCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
