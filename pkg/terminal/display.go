package terminal

import (
	"github.com/manifoldco/promptui"

	"github.com/sciencegateway/jobgate/pkg/errors"
)

type PromptSelectContent struct {
	Label string
	Items []string
}

func PromptSelectInput(pc PromptSelectContent) (string, error) {
	prompt := promptui.Select{
		Label: pc.Label,
		Items: pc.Items,
	}

	_, result, err := prompt.Run()
	if err != nil {
		return "", errors.WrapAndTrace(err)
	}
	return result, nil
}

type PromptContent struct {
	ErrorMsg string
	Label    string
	Default  string
}

func PromptGetInput(pc PromptContent) (string, error) {
	validate := func(input string) error {
		if len(input) == 0 {
			return errors.New(pc.ErrorMsg)
		}
		return nil
	}

	templates := &promptui.PromptTemplates{
		Prompt:  "{{ . }} ",
		Valid:   "{{ . | green }} ",
		Invalid: "{{ . | yellow }} ",
		Success: "{{ . | bold }} ",
	}

	prompt := promptui.Prompt{
		Label:     pc.Label,
		Templates: templates,
		Validate:  validate,
		Default:   pc.Default,
		AllowEdit: true,
	}

	result, err := prompt.Run()
	if err != nil {
		return "", errors.WrapAndTrace(err)
	}
	return result, nil
}

// PromptConfirm asks a yes/no question. Answering no is not an error.
func PromptConfirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	_, err := prompt.Run()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort):
		return false, nil
	default:
		return false, errors.WrapAndTrace(err)
	}
}
