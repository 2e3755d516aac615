// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setHostPaths points HOST_ETC, HOST_VAR, and HOST_PROC at empty temp
// directories so tests never read the real host's identity files.
func setHostPaths(t *testing.T) (etcDir, varDir, procDir string) {
	etcDir, varDir, procDir = t.TempDir(), t.TempDir(), t.TempDir()
	t.Setenv("HOST_ETC", etcDir)
	t.Setenv("HOST_VAR", varDir)
	t.Setenv("HOST_PROC", procDir)
	return etcDir, varDir, procDir
}

func TestMachineID_PrefersSystemdMachineID(t *testing.T) {
	etcDir, varDir, _ := setHostPaths(t)
	require.NoError(t, os.WriteFile(filepath.Join(etcDir, "machine-id"), []byte("abc123\n"), 0644))
	dbusDir := filepath.Join(varDir, "lib", "dbus")
	require.NoError(t, os.MkdirAll(dbusDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dbusDir, "machine-id"), []byte("def456\n"), 0644))

	id, err := MachineID()
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestMachineID_FallsBackToDbus(t *testing.T) {
	_, varDir, _ := setHostPaths(t)
	dbusDir := filepath.Join(varDir, "lib", "dbus")
	require.NoError(t, os.MkdirAll(dbusDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dbusDir, "machine-id"), []byte("def456\n"), 0644))

	id, err := MachineID()
	require.NoError(t, err)
	assert.Equal(t, "def456", id)
}

func TestMachineID_NotFound(t *testing.T) {
	setHostPaths(t)

	_, err := MachineID()
	assert.Error(t, err)
}

func TestMachineID_SkipsEmptyFile(t *testing.T) {
	etcDir, varDir, _ := setHostPaths(t)
	require.NoError(t, os.WriteFile(filepath.Join(etcDir, "machine-id"), []byte("\n"), 0644))
	dbusDir := filepath.Join(varDir, "lib", "dbus")
	require.NoError(t, os.MkdirAll(dbusDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dbusDir, "machine-id"), []byte("def456\n"), 0644))

	id, err := MachineID()
	require.NoError(t, err)
	assert.Equal(t, "def456", id)
}

func TestHostname_ReadsKernelHostname(t *testing.T) {
	_, _, procDir := setHostPaths(t)
	kernelDir := filepath.Join(procDir, "sys", "kernel")
	require.NoError(t, os.MkdirAll(kernelDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "hostname"), []byte("node-7\n"), 0644))

	name, err := Hostname()
	require.NoError(t, err)
	assert.Equal(t, "node-7", name)
}

func TestNodeName_PrefersEnvOverHostname(t *testing.T) {
	_, _, procDir := setHostPaths(t)
	kernelDir := filepath.Join(procDir, "sys", "kernel")
	require.NoError(t, os.MkdirAll(kernelDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(kernelDir, "hostname"), []byte("node-7\n"), 0644))

	t.Setenv("NODE_NAME", "named-node")
	name, err := NodeName()
	require.NoError(t, err)
	assert.Equal(t, "named-node", name)

	t.Setenv("NODE_NAME", "")
	name, err = NodeName()
	require.NoError(t, err)
	assert.Equal(t, "node-7", name)
}
