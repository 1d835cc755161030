package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"feedsplit/internal/pipeline"
	"feedsplit/internal/process"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show what is stored for each segment",
	RunE: func(*cobra.Command, []string) error {
		a := newApp()

		series, err := a.store.Count(process.SeriesNamespace)
		if err != nil {
			return err
		}
		listed, err := pipeline.ListingSizes(a.store, cfg.Segments)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"SEGMENT", "FILTER", "CENTRE", "RADIUS KM", "LISTED", "STORED"})
		for _, seg := range cfg.Segments {
			stored, err := a.store.Count(process.SegmentNamespace(seg.Identifier))
			if err != nil {
				return err
			}
			table.Append([]string{
				seg.Identifier,
				string(seg.AttendanceModeFilter),
				fmt.Sprintf("%.4f,%.4f", seg.Latitude, seg.Longitude),
				strconv.FormatFloat(seg.RadiusKm, 'f', -1, 64),
				strconv.Itoa(listed[seg.Identifier]),
				strconv.Itoa(stored),
			})
		}
		table.Render()
		fmt.Printf("series stored: %d (%s)\n", series, a.store.Root())
		return nil
	},
}
