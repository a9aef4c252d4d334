package cmd

import (
	"errors"

	"github.com/charmbracelet/huh"

	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

// runWithHelp wraps a huh field in a Form with help hints visible at the bottom.
func runWithHelp(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).WithShowHelp(true).Run()
}

// promptString prompts for a text input.
// If defaultVal is non-empty it is shown as placeholder; pressing Enter returns it.
func promptString(title, description, defaultVal string) (string, error) {
	var value string
	inp := huh.NewInput().
		Title(title).
		Value(&value)

	if description != "" {
		inp = inp.Description(description)
	}
	if defaultVal != "" {
		inp = inp.Placeholder(defaultVal)
	}

	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// promptCode asks for a pairing code and returns it normalized.
func promptCode() (string, error) {
	var value string
	inp := huh.NewInput().
		Title("Pairing code").
		Description("The 6-character code shown on the desktop").
		CharLimit(16).
		Validate(func(s string) error {
			if !pairing.ValidCode(pairing.NormalizeCode(s)) {
				return errors.New("enter the 6 letters and digits shown on the desktop")
			}
			return nil
		}).
		Value(&value)

	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	return pairing.NormalizeCode(value), nil
}

// promptPassword prompts for a hidden input.
func promptPassword(title, description string) (string, error) {
	var value string
	inp := huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Value(&value)

	if description != "" {
		inp = inp.Description(description)
	}

	if err := runWithHelp(inp); err != nil {
		return "", err
	}
	return value, nil
}

// promptConfirm asks a yes/no question. Returns true for yes.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes

	c := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&value)

	if err := runWithHelp(c); err != nil {
		return false, err
	}
	return value, nil
}
