package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"webllm-chat/config"
	"webllm-chat/llmclient"
	"webllm-chat/web/types"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type ModelsFlags struct {
	JSON bool
}

func (f *ModelsFlags) BindFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&f.JSON, "json", f.JSON, "print the catalog as JSON")
}

// listModels prints the catalog. The remote backend is asked for its list;
// the in-process engine serves the builtin one.
func listModels(ctx context.Context, cfg *config.Config, f *ModelsFlags, out io.Writer, logger *zap.Logger) error {
	var err error
	models := types.DefaultModels
	if types.ModelClientType(cfg.ModelClient) == types.ModelClientMLCAPI {
		remote := llmclient.NewRemote(cfg, cfg.MLCEndpoint, logger)
		if models, err = remote.Models(ctx); err != nil {
			return fmt.Errorf("failed to list models at %s: %w", remote.Endpoint(), err)
		}
	}

	if f.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFAMILY\tSIZE\tQUANTIZATION\tCONTEXT")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.Family, m.Size, m.Quantization, m.ContextLength)
	}
	return tw.Flush()
}

func init() {
	f := &ModelsFlags{}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the configured backend serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := config.InitLogger("error")
			if err != nil {
				return err
			}
			defer config.Cleanup()
			return listModels(cmd.Context(), config.Load(logger), f, os.Stdout, logger)
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}
