package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/diceware-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented config file with every default",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one key in the config file",
		Long: `Set one top-level key in the config file, creating the file if needed.

List keys (scopes) take a comma-separated value. The file is validated
before it is written.`,
		Args: cobra.ExactArgs(2),
		RunE: runConfigSet,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	if cc.Cfg == nil {
		return errors.New("no configuration loaded")
	}

	w := cmd.OutOrStdout()

	if cc.Structured() {
		// Round-trip through JSON so YAML output uses the same flat keys
		// and the json:"-" fields stay hidden.
		raw, err := json.Marshal(cc.Cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		var flat map[string]any
		if err := json.Unmarshal(raw, &flat); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		return cc.PrintStructured(w, flat)
	}

	return config.RenderEffective(cc.Cfg, w)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := configPathFromFlags(cc)

	if err := config.CreateDefaultConfig(path, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Wrote %s.\n", path)

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	path := configPathFromFlags(cc)

	if err := config.SetKey(path, args[0], args[1], cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Set %s in %s.\n", args[0], path)

	return nil
}
