package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/spf13/cobra"

	"github.com/pandulaDW/state-history-log/internal/log"
)

func newReadCommand(o *options) *cobra.Command {
	var (
		block uint32
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print the entry stored for a block",
		Long: `Look a block up in the active log and then in the retained logs and
print its header followed by a hex dump of the payload.

Examples:
  statehistory read --config statehistory.yaml --block 1200
  statehistory read --config statehistory.yaml --block 1200 --raw > block.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.loadConfig()
			if err != nil {
				return err
			}
			h, err := log.NewHistory(c)
			if err != nil {
				return err
			}
			defer h.Close()

			hdr, r, err := h.GetEntry(block)
			if err != nil {
				return err
			}
			payload, err := ioutil.ReadAll(r)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if raw {
				_, err = w.Write(payload)
				return err
			}
			printHeader(w, hdr)
			fmt.Fprint(w, hex.Dump(payload))
			return nil
		},
	}

	cmd.Flags().Uint32Var(&block, "block", 0, "block number to read")
	cmd.Flags().BoolVar(&raw, "raw", false, "write the payload bytes only")
	_ = cmd.MarkFlagRequired("block")
	return cmd
}

func printHeader(w io.Writer, h log.Header) {
	fmt.Fprintf(w, "block:   %d\n", h.BlockNum)
	fmt.Fprintf(w, "id:      %s\n", h.BlockID)
	fmt.Fprintf(w, "size:    %d\n", h.PayloadSize)
	fmt.Fprintf(w, "version: %d\n", h.Version)
}
