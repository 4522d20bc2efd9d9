package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pandulaDW/state-history-log/internal/log"
)

func newInspectCommand(o *options) *cobra.Command {
	var dir, name string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Open a log pair and print its block range",
		Long: `Open <dir>/<name>.log and its index, recovering a torn tail and
regenerating a stale index exactly as a node would on startup, then print
the block range and the id of the last block.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openExisting(dir, name, o)
			if err != nil {
				return err
			}
			defer s.Close()

			printSegment(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the log pair")
	cmd.Flags().StringVar(&name, "name", "", "file name stem of the log pair")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// openExisting refuses to create a pair that is not already on disk.
func openExisting(dir, name string, o *options) (*log.Segment, error) {
	path := filepath.Join(dir, name+".log")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no log at %s: %w", path, err)
	}
	return log.OpenSegment(dir, name, o.logConfig())
}

func printSegment(w io.Writer, s *log.Segment) {
	fmt.Fprintf(w, "log:    %s\n", s.LogPath())
	fmt.Fprintf(w, "index:  %s\n", s.IndexPath())
	if s.Empty() {
		fmt.Fprintln(w, "blocks: empty")
		return
	}
	fmt.Fprintf(w, "blocks: %d-%d (%d)\n", s.FirstBlockNum(), s.EndBlock()-1, s.EndBlock()-s.FirstBlockNum())
	fmt.Fprintf(w, "last:   %s\n", s.LastBlockID())
}
