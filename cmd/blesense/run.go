package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesense/internal/adc"
	"github.com/srg/blesense/internal/app"
	"github.com/srg/blesense/internal/console"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/indicator"
	"github.com/srg/blesense/internal/stack"
	goble "github.com/srg/blesense/internal/stack/go-ble"
	"github.com/srg/blesense/internal/telemetry"
	"github.com/srg/blesense/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sensor peripheral",
	Long: `Boots the Bluetooth stack, advertises as a connectable peripheral and starts the
sampling and LED tasks. Advertising restarts whenever a central disconnects.
Runs until interrupted (Ctrl+C).

Examples:
  # Simulated stack and ADC, no hardware needed
  blesense run

  # First HCI controller, ADC on a serial-attached MCU
  blesense run --stack hci --adc serial

  # Mirror the log to a virtual serial port
  blesense run --console /tmp/blesense-vcom`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runStackDriver string
	runADCDriver   string
	runConsole     string
	runMQTTBroker  string
)

func init() {
	runCmd.Flags().StringVar(&runStackDriver, "stack", "", "Stack driver (sim, hci); overrides stack.driver")
	runCmd.Flags().StringVar(&runADCDriver, "adc", "", "ADC driver (sim, iio, serial); overrides adc.driver")
	runCmd.Flags().StringVar(&runConsole, "console", "", "Open a PTY log console and link it at this path")
	runCmd.Flags().StringVar(&runMQTTBroker, "mqtt", "", "MQTT broker URL for telemetry, e.g. tcp://localhost:1883")
}

// StackFactory creates the stack selected by the configuration.
// This is a variable so that it can be overridden in tests.
var StackFactory = func(cfg *config.Config, db *gattdb.Database, logger *logrus.Logger) (stack.Stack, error) {
	switch cfg.Stack.Driver {
	case "sim", "":
		addr, err := stack.ParseAddress(cfg.Stack.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid stack.address: %w", err)
		}
		return stack.NewSimStack(addr, logger), nil
	case "hci":
		return goble.New(db, goble.Options{Name: cfg.Device.Name, HCIDevice: cfg.Stack.HCIDevice}, logger), nil
	default:
		return nil, fmt.Errorf("unknown stack driver %q", cfg.Stack.Driver)
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd.SilenceUsage = true
	logger := configureLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runPeripheral(ctx, cmd, cfg, logger)
}

func applyRunFlags(cfg *config.Config) {
	if runStackDriver != "" {
		cfg.Stack.Driver = runStackDriver
	}
	if runADCDriver != "" {
		cfg.ADC.Driver = runADCDriver
	}
	if runConsole != "" {
		cfg.Console.PTY = true
		cfg.Console.Symlink = runConsole
	}
	if runMQTTBroker != "" {
		cfg.Telemetry.MQTT.Broker = runMQTTBroker
	}
}

func runPeripheral(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Console.PTY {
		c, err := console.Open(console.Options{
			BufferSize: cfg.Console.BufferSize,
			Symlink:    cfg.Console.Symlink,
		})
		if err != nil {
			return err
		}
		defer c.Close()
		logger.AddHook(console.NewHook(c, logger.GetLevel()))
		fmt.Fprintf(cmd.ErrOrStderr(), "Console: %s\n", c.Path())
	}

	db, err := gattdb.Default(cfg.Device.Name, cfg.Device.Manufacturer)
	if err != nil {
		return err
	}

	st, err := StackFactory(cfg, db, logger)
	if err != nil {
		return err
	}
	sampler, err := adc.New(cfg.ADC, logger)
	if err != nil {
		return err
	}
	led, err := indicator.New(cfg.Indicator, logger)
	if err != nil {
		return err
	}

	if cfg.Telemetry.MQTT.Broker != "" {
		pub := telemetry.NewPublisher(cfg.Telemetry.MQTT, db, logger)
		if err := pub.Start(ctx); err != nil {
			return err
		}
		defer pub.Close()
	}

	a := &app.App{
		Stack:   st,
		Store:   db,
		Sampler: sampler,
		LED:     led,
		Tasks:   cfg.Tasks,
		Logger:  logger,
	}
	return a.Run(ctx)
}
