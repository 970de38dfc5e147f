package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ensembled/internal/devmem"
)

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List visible accelerators and their memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := devmem.NewBackend(opts.cfg.MemoryBackend)
			if err != nil {
				return err
			}
			c := devmem.NewCollector(backend, opts.log)
			printDevices(cmd.OutOrStdout(), c.Backend(), c.Collect(c.AllDevices()), c.AllDevices())
			return nil
		},
	}
}

func printDevices(w io.Writer, backend string, snaps map[int]devmem.Snapshot, order []int) {
	if len(order) == 0 {
		fmt.Fprintf(w, "no devices (memory backend: %s)\n", backend)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tTOTAL\tFREE\tALLOCATED\tUSED")
	for _, d := range order {
		s, ok := snaps[d]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.0f%%\n", d,
			humanize.IBytes(s.TotalBytes),
			humanize.IBytes(s.FreeBytes),
			humanize.IBytes(s.AllocatedBytes),
			s.Utilization()*100)
	}
	_ = tw.Flush()
}
