//go:build test

package main

import (
	"bytes"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Addresses the test profiles are served at
const (
	TestPeripheralAddress1 = "c0:ff:ee:00:00:01"
	TestPeripheralAddress2 = "c0:ff:ee:00:00:02"
)

// CommandTestSuite runs gattsim commands against profiles written to a temp dir.
// All cmd/gattsim test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	Helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
}

// SetupTest gives every test a fresh helper and default flag values.
func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	resetFlags(rootCmd)
}

// WriteProfile stores the built profile and returns its path.
func (s *CommandTestSuite) WriteProfile(b *testutils.ProfileBuilder) string {
	return s.Helper.WriteProfile(b.Build())
}

// BatteryProfile is a peripheral with the Battery Service reading 50%.
func (s *CommandTestSuite) BatteryProfile() *testutils.ProfileBuilder {
	return testutils.CreateProfile().
		WithName("Battery").
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50})
}

// ExecuteCommand runs rootCmd with args and returns stdout and stderr separately.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra keeps parsed values on the package-level commands.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
