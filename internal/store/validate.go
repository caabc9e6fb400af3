package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate checks input structs before they reach SQL.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Source and citation quality grades A-E.
	_ = validate.RegisterValidation("grade", func(fl validator.FieldLevel) bool {
		return QualityGrade(fl.Field().String()).Valid()
	})
}

// checkInput runs struct validation and reports failures as ErrInvalidArgument.
func checkInput(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
}
