package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/gattdb"
)

var gattCmd = &cobra.Command{
	Use:   "gatt",
	Short: "Print the GATT layout of the peripheral",
	Args:  cobra.NoArgs,
	RunE:  runGatt,
}

var gattFormat string

func init() {
	gattCmd.Flags().StringVar(&gattFormat, "format", "table", "Output format (table, json)")
}

type attributeView struct {
	gattdb.Attribute
	Properties string `json:"properties"`
}

func runGatt(cmd *cobra.Command, _ []string) error {
	if gattFormat != "table" && gattFormat != "json" {
		return fmt.Errorf("invalid format %q (must be table or json)", gattFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	db, err := gattdb.Default(cfg.Device.Name, cfg.Device.Manufacturer)
	if err != nil {
		return err
	}

	attrs := db.Attributes()
	if gattFormat == "json" {
		views := make([]attributeView, len(attrs))
		for i, a := range attrs {
			views[i] = attributeView{Attribute: a, Properties: a.Properties.String()}
		}
		return writeJSON(cmd.OutOrStdout(), views)
	}

	printAttributes(cmd.OutOrStdout(), attrs)
	return nil
}

func printAttributes(w io.Writer, attrs []gattdb.Attribute) {
	header := color.New(color.Bold)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	service := ""
	for _, a := range attrs {
		if a.Service != service {
			service = a.Service
			tw.Flush()
			header.Fprintf(w, "Service %s\n", service)
		}
		fmt.Fprintf(tw, "  0x%04x\t%s\t%s\t%s\tmax %d\n", uint16(a.ID), a.UUID, a.Name, a.Properties, a.MaxLen)
	}
	tw.Flush()
}
