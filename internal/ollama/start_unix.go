// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

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

// findOllamaExecutable looks for the ollama binary: $OLLAMA_BIN, PATH, then
// the usual install locations on Linux and macOS.
func findOllamaExecutable() (string, error) {
	if p := os.Getenv("OLLAMA_BIN"); p != "" {
		return p, nil
	}
	if path, err := exec.LookPath("ollama"); err == nil {
		return path, nil
	}

	candidates := []string{
		"/usr/local/bin/ollama",
		"/usr/bin/ollama",
		"/opt/ollama/ollama",
		"/opt/homebrew/bin/ollama",
		"/Applications/Ollama.app/Contents/Resources/ollama",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", "ollama"),
			filepath.Join(home, "bin", "ollama"),
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("ollama not found in PATH or common install directories; install it from https://ollama.com")
}

// defaultStartTimeout is how long to wait for a freshly started server.
const defaultStartTimeout = 10 * time.Second

// launchOllama starts `ollama serve` detached in its own process group and
// returns the executable path.
func launchOllama() (string, error) {
	path, err := findOllamaExecutable()
	if err != nil {
		return "", err
	}

	cmd := exec.Command(path, "serve")
	// Pass the environment through so GPU settings such as OLLAMA_VULKAN reach
	// the server.
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", path, err)
	}
	// Release so the server keeps running after we exit.
	_ = cmd.Process.Release()
	return path, nil
}
