package main

import (
	"context"
	"io"
	"os"

	"github.com/Seednode/mindbinder/internal/tree"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// exportTree writes the stored tree to w in the format accepted by --seed.
func exportTree(ctx context.Context, cfg *Config, w io.Writer) (*tree.Snapshot, error) {
	st, t, err := openTree(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	snap := t.Snapshot()

	return snap, tree.Encode(w, snap.Root())
}

func newExportCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the knowledge tree as YAML, suitable for --seed.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateStore(); err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()

				w = f
			}

			snap, err := exportTree(cmd.Context(), cfg, w)
			if err != nil {
				return err
			}

			logf(cfg, "START: Exported %d items (version %d)", snap.Len(), snap.Version())

			return nil
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(normalize)
	fs.StringVarP(&output, "output", "o", "-", "file to write to, - for stdout (env: MINDBINDER_OUTPUT)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: MINDBINDER_VERBOSE)")

	bindEnv(v, fs)

	return cmd
}
