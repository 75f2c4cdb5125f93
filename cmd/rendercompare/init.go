package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smileynet/rendercompare"
	"github.com/smileynet/rendercompare/internal/config"
	"github.com/smileynet/rendercompare/internal/inifile"
)

// InitCmd writes a starter project config.
type InitCmd struct {
	Dir   string `help:"Project directory." default:"." type:"path"`
	Force bool   `help:"Overwrite an existing config."`
}

// Run executes the init command.
func (c *InitCmd) Run() error {
	path, err := writeStarterConfig(c.Dir, c.Force)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Wrote %s\n", path)
	return nil
}

type starterData struct {
	config.Config
	INI string
}

// writeStarterConfig renders the config template into dir/.rendercompare.
// A template in dir/.rendercompare/templates overrides the embedded one.
func writeStarterConfig(dir string, force bool) (string, error) {
	base := filepath.Join(dir, ".rendercompare")
	path := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("init: %s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("init: %w", err)
	}

	tmpl, err := rendercompare.LoadTemplate(filepath.Join(base, "templates"), rendercompare.ConfigTemplate)
	if err != nil {
		return "", fmt.Errorf("init: %w", err)
	}

	data := starterData{Config: config.DefaultConfig()}
	if ini, err := inifile.Discover(dir); err == nil {
		data.INI = ini
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("init: rendering template: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("init: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("init: %w", err)
	}
	return path, nil
}
