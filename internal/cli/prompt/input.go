package prompt

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// Input asks for a value, validating it with validate when non-nil.
// An empty answer is rejected.
func Input(label string, validate func(string) error) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Validate: func(s string) error {
			if s == "" {
				return errors.New("a value is required")
			}
			if validate != nil {
				return validate(s)
			}
			return nil
		},
	}
	result, err := p.Run()
	return result, wrapError(err)
}
