package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"feedsplit/internal/ics"
)

var exportSegment string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an iCalendar file for each segment from stored occurrences",
	RunE: func(*cobra.Command, []string) error {
		a := newApp()
		stamp := time.Now().UTC()
		found := false
		for _, seg := range cfg.Segments {
			if exportSegment != "" && seg.Identifier != exportSegment {
				continue
			}
			found = true
			path, n, err := ics.WriteSegment(a.store, seg.Identifier, stamp, cfg.Location(), logger)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d events -> %s\n", seg.Identifier, n, path)
		}
		if !found {
			return errors.Errorf("no segment named %q", exportSegment)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSegment, "segment", "", "export only this segment")
}
