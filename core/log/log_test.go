// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	for _, l := range []string{"ERROR", "warning", "Notice", "INFO", "debug"} {
		_, err := ParseLevel(l)
		require.NoError(err, "ParseLevel(%v)", l)
	}
	_, err := ParseLevel("LOUD")
	require.Error(err, "ParseLevel(LOUD)")

	_, err = New("", "LOUD", false)
	require.Error(err, "New() with invalid level")
}

func TestWriterBackend(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	b, err := NewWriter(&buf, "INFO")
	require.NoError(err)

	l := b.GetLogger("hunter/test")
	l.Debug("hidden")
	l.Noticef("task %d", 7)
	require.Contains(buf.String(), "NOTI hunter/test: task 7")
	require.NotContains(buf.String(), "hidden")

	b.GetGoLogger("hunter/go", "WARNING").Print("from net/http")
	require.Contains(buf.String(), "WARN hunter/go: from net/http")
}

func TestFileRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "hunter.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	b.GetLogger("rotate").Info("before")
	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate(), "Rotate()")
	b.GetLogger("rotate").Info("after")

	old, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(old), "before")
	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "after")
	require.NotContains(string(cur), "before")
}
