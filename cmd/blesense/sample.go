package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/adc"
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Take readings from the configured ADC",
	Long: `Initializes the ADC driver and prints a number of single conversions in millivolts,
without starting the Bluetooth stack.

Examples:
  blesense sample --count 10 --interval 200ms
  blesense sample --adc iio --format json`,
	Args: cobra.NoArgs,
	RunE: runSample,
}

var (
	sampleCount    int
	sampleInterval time.Duration
	sampleFormat   string
	sampleDriver   string
)

func init() {
	sampleCmd.Flags().IntVarP(&sampleCount, "count", "n", 5, "Number of conversions")
	sampleCmd.Flags().DurationVar(&sampleInterval, "interval", time.Second, "Delay between conversions")
	sampleCmd.Flags().StringVar(&sampleFormat, "format", "table", "Output format (table, json)")
	sampleCmd.Flags().StringVar(&sampleDriver, "adc", "", "ADC driver (sim, iio, serial); overrides adc.driver")
}

type reading struct {
	Index      int       `json:"index"`
	Millivolts int32     `json:"mv"`
	Timestamp  time.Time `json:"timestamp"`
}

func runSample(cmd *cobra.Command, _ []string) error {
	if sampleFormat != "table" && sampleFormat != "json" {
		return fmt.Errorf("invalid format %q (must be table or json)", sampleFormat)
	}
	if sampleCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if sampleDriver != "" {
		cfg.ADC.Driver = sampleDriver
	}

	cmd.SilenceUsage = true
	logger := configureLogger(cmd, cfg)

	sampler, err := adc.New(cfg.ADC, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := sampler.Initialize(ctx); err != nil {
		return err
	}
	defer sampler.Close()

	readings := make([]reading, 0, sampleCount)
	for i := 0; i < sampleCount; i++ {
		if i > 0 && sampleInterval > 0 {
			select {
			case <-time.After(sampleInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		mv, err := adc.Sample(ctx, sampler)
		if err != nil {
			return fmt.Errorf("conversion %d failed: %w", i+1, err)
		}
		readings = append(readings, reading{Index: i + 1, Millivolts: int32(mv), Timestamp: time.Now().UTC()})
	}

	if sampleFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), readings)
	}
	printReadings(cmd.OutOrStdout(), readings)
	return nil
}

func printReadings(w io.Writer, readings []reading) {
	header := color.New(color.Bold)
	header.Fprintf(w, "%-5s %8s\n", "#", "MV")
	for _, r := range readings {
		fmt.Fprintf(w, "%-5d %8d\n", r.Index, r.Millivolts)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
