package main

import (
	"bytes"
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blesense/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs blesense commands in-process.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	color.NoColor = true
}

// ExecuteCommand runs the root command with args and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	resetFlags(rootCmd)
	resetContext(rootCmd, ctx)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// WriteConfig writes a YAML config and returns its path.
func (s *CommandTestSuite) WriteConfig(yaml string) string {
	return s.Helper.WriteFile("blesense.yaml", yaml)
}

// resetFlags restores every flag of cmd and its subcommands to its default, since
// cobra keeps flag values between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// resetContext hands ctx to every subcommand. cobra only propagates the root context
// to subcommands whose context is still unset, so a context from an earlier
// execution would otherwise stick.
func resetContext(cmd *cobra.Command, ctx context.Context) {
	for _, sub := range cmd.Commands() {
		sub.SetContext(ctx)
		resetContext(sub, ctx)
	}
}
