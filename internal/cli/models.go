// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - List the models of the active provider.

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// ModelsResult is the JSON form of `models`.
type ModelsResult struct {
	Provider string       `json:"provider"`
	Current  string       `json:"current"`
	Models   []chat.Model `json:"models"`
}

// HandleModels handles the "models" command.
func HandleModels(ctx context.Context, args Args) error {
	env, err := NewEnv(args, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()
	return runModels(ctx, env)
}

func runModels(ctx context.Context, env *Env) error {
	models, err := env.Session.ListModels(ctx)
	if err != nil {
		return err
	}
	kind := env.Session.Kind()
	current := env.Session.Model()

	if env.Args.JSON {
		if models == nil {
			models = []chat.Model{}
		}
		return writeJSONTo(env.Out, ModelsResult{Provider: kind.String(), Current: current, Models: models})
	}

	out := env.Out
	if !env.Args.Quiet {
		fmt.Fprintln(out, TitleStyle.Render(fmt.Sprintf("%s models", kind.Label())))
	}
	if len(models) == 0 {
		fmt.Fprintln(out, DimStyle.Render("No models available."))
		return nil
	}

	nameWidth := 20
	for _, m := range models {
		if w := util.StringWidth(m.Name) + 2; w > nameWidth {
			nameWidth = w
		}
	}
	if nameWidth > 50 {
		nameWidth = 50
	}

	fmt.Fprintf(out, "  %s%s%s\n", util.PadRight("NAME", nameWidth), util.PadRight("SIZE", 12), "MODIFIED")
	for _, m := range models {
		marker := "  "
		if m.Name == current {
			marker = SuccessStyle.Render("* ")
		}
		fmt.Fprintf(out, "%s%s%s%s\n",
			marker,
			util.PadRight(util.TruncateWidth(m.Name, nameWidth-1), nameWidth),
			util.PadRight(m.FormatSize(), 12),
			formatWhen(m.ModifiedAt))
	}
	return nil
}
