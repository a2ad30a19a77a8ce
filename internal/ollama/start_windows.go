// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

package ollama

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Process creation flags not exported by syscall.
const (
	createNoWindow  = 0x08000000
	detachedProcess = 0x00000008
)

// findOllamaExecutable looks for ollama.exe: %OLLAMA_BIN%, PATH, then the
// per-user and system install locations.
func findOllamaExecutable() (string, error) {
	if p := os.Getenv("OLLAMA_BIN"); p != "" {
		return p, nil
	}
	for _, name := range []string{"ollama.exe", "ollama"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	var candidates []string
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		candidates = append(candidates, filepath.Join(local, "Programs", "Ollama", "ollama.exe"))
	}
	candidates = append(candidates,
		`C:\Program Files\Ollama\ollama.exe`,
		`C:\Program Files (x86)\Ollama\ollama.exe`,
	)

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("ollama.exe not found in PATH or common install directories; install it from https://ollama.com")
}

// defaultStartTimeout is how long to wait for a freshly started server.
// First launch on Windows can be slow.
const defaultStartTimeout = 15 * time.Second

// launchOllama starts `ollama serve` detached from the console and returns
// the executable path.
func launchOllama() (string, error) {
	path, err := findOllamaExecutable()
	if err != nil {
		return "", err
	}

	cmd := exec.Command(path, "serve")
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow | detachedProcess,
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", path, err)
	}
	_ = cmd.Process.Release()
	return path, nil
}
