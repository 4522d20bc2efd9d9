package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReindexCommand(o *options) *cobra.Command {
	var dir, name string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the index of a log pair from its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath := filepath.Join(dir, name+".log")
			if _, err := os.Stat(logPath); err != nil {
				return fmt.Errorf("no log at %s: %w", logPath, err)
			}

			path := filepath.Join(dir, name+".index")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			o.logger.Info("removed index", zap.String("path", path))

			s, err := openExisting(dir, name, o)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s with %d records\n", s.IndexPath(), s.EndBlock()-s.FirstBlockNum())
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the log pair")
	cmd.Flags().StringVar(&name, "name", "", "file name stem of the log pair")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
