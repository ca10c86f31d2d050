package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/config"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load a predictions.json file into the result store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		if err := cfg.Validate(config.ModeImport); err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "import: read %s", path)
		}
		entries, err := model.DecodeEntries(data)
		if err != nil {
			return eris.Wrapf(err, "import: decode %s", path)
		}

		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &cfg.Store.Pool)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batch, err := st.ImportRecords(ctx, filepath.Base(path), entries)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("batch_id", batch.ID),
			zap.Int("succeeded", batch.Succeeded),
			zap.Int("failed", batch.Failed),
			zap.String("file", path),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
