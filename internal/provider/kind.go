// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind selects which backend answers chat requests.
type Kind string

const (
	// KindLocal is an Ollama server, normally on this machine.
	KindLocal Kind = "local"
	// KindCloud is a hosted OpenAI-compatible endpoint.
	KindCloud Kind = "cloud"
)

// Kinds lists every provider kind.
var Kinds = []Kind{KindLocal, KindCloud}

// ParseKind parses a provider name. "ollama" is accepted for local and
// "openrouter"/"remote" for cloud.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "ollama":
		return KindLocal, nil
	case "cloud", "openrouter", "remote":
		return KindCloud, nil
	default:
		return "", fmt.Errorf("unknown provider %q (want local or cloud)", s)
	}
}

func (k Kind) String() string { return string(k) }

// Label returns a display name ("Local", "Cloud").
func (k Kind) Label() string {
	return cases.Title(language.English).String(string(k))
}
