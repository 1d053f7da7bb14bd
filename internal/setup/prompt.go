package setup

import (
	"errors"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the operator cancels a prompt.
var ErrAborted = errors.New("setup: aborted")

// Prompter asks the operator for input.
type Prompter interface {
	Input(label, def string) (string, error)
	Secret(label string) (string, error)
	Confirm(label string) (bool, error)
}

// Terminal prompts on a terminal.
type Terminal struct {
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

func wrap(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return ErrAborted
	}
	return err
}

func required(in string) error {
	if strings.TrimSpace(in) == "" {
		return errors.New("a value is required")
	}
	return nil
}

// Input reads a line. With no default an answer is required.
func (t Terminal) Input(label, def string) (string, error) {
	p := promptui.Prompt{Label: label, Default: def, Stdin: t.Stdin, Stdout: t.Stdout}
	if def == "" {
		p.Validate = required
	}
	out, err := p.Run()
	return strings.TrimSpace(out), wrap(err)
}

func (t Terminal) Secret(label string) (string, error) {
	p := promptui.Prompt{Label: label, Mask: '*', Validate: required, Stdin: t.Stdin, Stdout: t.Stdout}
	out, err := p.Run()
	return strings.TrimSpace(out), wrap(err)
}

// Confirm asks a y/N question. Anything but y counts as no.
func (t Terminal) Confirm(label string) (bool, error) {
	p := promptui.Prompt{Label: label, IsConfirm: true, Stdin: t.Stdin, Stdout: t.Stdout}
	out, err := p.Run()
	if errors.Is(err, promptui.ErrAbort) {
		return false, nil
	}
	if err != nil {
		return false, wrap(err)
	}
	return strings.EqualFold(out, "y") || strings.EqualFold(out, "yes"), nil
}
