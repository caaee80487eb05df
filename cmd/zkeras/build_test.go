package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zkeras/pkg/program"
)

// TestBuildWithCGODisabled builds the binary without CGo and runs its
// version command.
func TestBuildWithCGODisabled(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}

	bin := filepath.Join(t.TempDir(), "zkeras")
	build := exec.Command(goBin, "build", "-o", bin, ".")
	build.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := build.CombinedOutput()
	require.NoError(t, err, "build failed with CGO disabled: %s", out)

	version := exec.Command(bin, "version")
	version.Dir = t.TempDir()
	out, err = version.CombinedOutput()
	require.NoError(t, err, string(out))
	require.Equal(t, program.ProducerName+" "+program.ProducerVersion, strings.TrimSpace(string(out)))
}
