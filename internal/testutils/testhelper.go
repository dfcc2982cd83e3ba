package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/pkg/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// CreateProfile starts an empty profile builder.
func CreateProfile() *ProfileBuilder {
	return NewProfileBuilder()
}

// CreateProfileFromJSON starts a profile builder from a JSON document.
func CreateProfileFromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	return NewProfileBuilder().FromJSON(jsonStrFmt, args...)
}

// WriteProfile stores p as a YAML file in a per-test temp dir and returns its path.
func (h *TestHelper) WriteProfile(p *config.Profile) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(MustYAML(p)), 0o600); err != nil {
		h.T.Fatalf("failed to write profile: %v", err)
	}
	return path
}
