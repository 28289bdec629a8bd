package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jamesprial/pve-mcp/internal/logging"
	"github.com/jamesprial/pve-mcp/internal/safety"
)

func vmsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vms",
		Aliases: []string{"ls"},
		Short:   "Print the VM table of the configured node",
		Args:    cobra.NoArgs,
		RunE:    runVMs,
	}
	cmd.Flags().Bool("json", false, "print JSON instead of a table")
	return cmd
}

func runVMs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := connect(ctx, conf, logging.Component(logger, "session"))
	if err != nil {
		return err
	}
	mgr := newManager(client, conf, nil)
	defer mgr.Close()

	rows, err := mgr.Rows(ctx)
	if err != nil {
		return err
	}
	filter := safety.NewFilter(conf.Safety.VMs.Allowlist, conf.Safety.VMs.Denylist)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		visible := rows[:0]
		for _, r := range rows {
			if filter.AllowsVM(r.VMID, r.Name) {
				visible = append(visible, r)
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(visible)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "VMID\tNAME\tSTATUS\tOS\tCPUS\tRAM\tDISKS\tSIZES\tFREE\tIP")
	for _, r := range rows {
		if !filter.AllowsVM(r.VMID, r.Name) {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			r.VMID, r.Name, r.Status, r.OS, r.CPUs, r.RAM, r.Disks, r.DiskSizes, r.DiskFree,
			strings.ReplaceAll(r.IP, "\n", ","))
	}
	return w.Flush()
}
