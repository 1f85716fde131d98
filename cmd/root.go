package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "webllm-chat",
	Short: "Chat server for locally hosted language models",
	Long: `webllm-chat keeps chat sessions, assembles each request's context
window and streams replies from an in-process engine or an
OpenAI-compatible MLC LLM server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bindFlag ties a flag to a config key so the flag, when set, wins over the
// config file and the environment.
func bindFlag(fs *pflag.FlagSet, name, key string) {
	if err := viper.BindPFlag(key, fs.Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.String("log-level", "info", "Log level (debug,info,warn,error)")
	fs.String("model-client", "webllm", "Chat backend (webllm, mlc-llm-api)")
	fs.String("mlc-endpoint", "http://localhost:8000", "Base URL of the MLC LLM server")
	bindFlag(fs, "log-level", "LOG_LEVEL")
	bindFlag(fs, "model-client", "MODEL_CLIENT")
	bindFlag(fs, "mlc-endpoint", "MLC_ENDPOINT")
}
