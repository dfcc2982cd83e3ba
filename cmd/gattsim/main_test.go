//go:build test

package main

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type RootCommandTestSuite struct {
	CommandTestSuite
}

func (s *RootCommandTestSuite) TestVersion() {
	// GOAL: Verify --version prints the build stamp
	//
	// TEST SCENARIO: --version → stdout names the version, commit and build date

	stdout, _, err := s.ExecuteCommand("--version")
	s.Require().NoError(err)
	s.Contains(stdout, versionString(), "version output MUST carry the build stamp")
	s.Contains(stdout, "commit "+commit, "version output MUST name the commit")
}

func (s *RootCommandTestSuite) TestHelp() {
	// GOAL: Verify the root help lists every command
	//
	// TEST SCENARIO: --help → usage names scan, inspect, read, write and subscribe plus the profile flag

	stdout, _, err := s.ExecuteCommand("--help")
	s.Require().NoError(err)
	for _, name := range []string{"scan", "inspect", "read", "write", "subscribe", "--profile"} {
		s.Contains(stdout, name, "help MUST mention %s", name)
	}
}

func (s *RootCommandTestSuite) TestMissingProfile() {
	// GOAL: Verify a command without --profile fails with the missing-profile error
	//
	// TEST SCENARIO: scan without profiles → ErrNoProfile

	_, _, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().Error(err)
	s.ErrorIs(err, ErrNoProfile, "a command without --profile MUST be rejected")
}

func TestRootCommandTestSuite(t *testing.T) {
	suite.Run(t, new(RootCommandTestSuite))
}
