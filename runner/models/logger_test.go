package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLogger(t *testing.T) {
	dir := t.TempDir()
	iid := InstanceId{RunId: RunId{Rkey: "r1", Workflow: "ci"}, Name: "test[os=ubuntu]"}

	l, err := NewInstanceLogger(dir, iid, []string{"hunter2", ""})
	require.NoError(t, err)
	assert.Regexp(t, `/r1-ci/test-os-ubuntu--[0-9a-f]{8}\.log$`, l.Path())

	require.NoError(t, l.Control(0, "Upload", StepStatusStart))
	w := l.DataWriter(0, "stdout")
	_, err = w.Write([]byte("token is hunter2\npart"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ial line\r\ntrailing"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, l.Control(0, "Upload", StepStatusSuccess))
	require.NoError(t, l.Close())

	f, err := OpenLogFile(dir, iid)
	require.NoError(t, err)
	defer f.Close()

	lines, err := ReadLogLines(f, 0)
	require.NoError(t, err)
	require.Len(t, lines, 5)

	assert.Equal(t, LogKindControl, lines[0].Kind)
	assert.Equal(t, StepStatusStart, lines[0].StepStatus)
	assert.Equal(t, "token is ***", lines[1].Content)
	assert.Equal(t, "stdout", lines[1].Stream)
	assert.Equal(t, "partial line", lines[2].Content)
	assert.Equal(t, "trailing", lines[3].Content)
	assert.Equal(t, StepStatusSuccess, lines[4].StepStatus)
}

func TestMaskerPrefersLongestSecret(t *testing.T) {
	m := NewMasker([]string{"abc", "abcdef"})
	assert.Equal(t, "x *** y", m.Replace("x abcdef y"))
	assert.Equal(t, "nothing", NewMasker(nil).Replace("nothing"))
}

func TestLogFilePathDistinct(t *testing.T) {
	run := RunId{Rkey: "3k", Workflow: "ci"}
	names := []string{
		"build[target=a/b]",
		"build[target=a:b]",
		"build[target=a-b]",
		"build-target-a-b-",
	}

	seen := map[string]string{}
	for _, name := range names {
		path := LogFilePath("/logs", InstanceId{RunId: run, Name: name})
		if other, ok := seen[path]; ok {
			t.Fatalf("%s and %s share %s", other, name, path)
		}
		seen[path] = name
	}

	// stable across calls
	iid := InstanceId{RunId: run, Name: names[0]}
	assert.Equal(t, LogFilePath("/logs", iid), LogFilePath("/logs", iid))
}
