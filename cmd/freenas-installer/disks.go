package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/freenas/ix-installer/internal/disks"
	"github.com/freenas/ix-installer/internal/install"
	"github.com/freenas/ix-installer/internal/shell"
)

// candidate is a disk together with the reason it cannot be selected, if any.
type candidate struct {
	Disk   disks.Disk `json:"disk"`
	Reason string     `json:"reason,omitempty"`
}

func (c candidate) usable() bool { return c.Reason == "" }

// label is the line shown for a disk in lists and prompts.
func (c candidate) label() string {
	kind := "HDD"
	if c.Disk.SolidState {
		kind = "SSD"
	}
	desc := c.Disk.Description
	if desc == "" {
		desc = "unknown"
	}
	return fmt.Sprintf("%s %s (%s, %s)", c.Disk.Name, desc, humanize.IBytes(uint64(c.Disk.Size)), kind)
}

// candidates lists every disk and checks whether it can hold the boot pool.
func candidates(ctx context.Context, o *install.Orchestrator) ([]candidate, error) {
	ds, err := o.Inventory.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(ds))
	for _, d := range ds {
		c := candidate{Disk: d}
		if d.Removable && d.Mounted() {
			c.Reason = "install media"
		} else if err := o.ValidateDisk(ctx, d); err != nil {
			c.Reason = err.Error()
		}
		out = append(out, c)
	}
	return out, nil
}

func newDisksCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "disks",
		Short: "List disks that can hold the boot pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			o := install.New(a.cfg, shell.Exec{Logger: a.log}, a.log)
			cs, err := candidates(cmd.Context(), o)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cs)
			}
			printCandidates(cmd.OutOrStdout(), cs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func printCandidates(w io.Writer, cs []candidate) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tTYPE\tSERIAL\tSTATUS")
	for _, c := range cs {
		kind := "HDD"
		if c.Disk.SolidState {
			kind = "SSD"
		}
		status := color.GreenString("available")
		if !c.usable() {
			status = color.YellowString(c.Reason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Disk.Name, humanize.IBytes(uint64(c.Disk.Size)), kind, c.Disk.Serial, status)
	}
	tw.Flush()
}
