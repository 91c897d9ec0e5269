package overboard

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"sitegen/internal/genqueue"
)

// Bump reports activity in a thread. Post is zero for a newly created thread.
type Bump struct {
	Board  string `json:"board" validate:"board_uri"`
	Thread int64  `json:"thread" validate:"required,gt=0"`
	Post   int64  `json:"post,omitempty" validate:"gte=0"`
	Bump   bool   `json:"bump,omitempty"`
}

// InvalidError names the Bump field that failed validation. It matches
// ErrInvalid with errors.Is.
type InvalidError struct {
	Field string
	Rule  string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("overboard: invalid bump: %s failed %q validation", e.Field, e.Rule)
}

func (e *InvalidError) Is(target error) bool { return target == ErrInvalid }

var (
	bumpOnce      sync.Once
	bumpValidator *validator.Validate
)

func validate() *validator.Validate {
	bumpOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("board_uri", func(fl validator.FieldLevel) bool {
			return genqueue.ValidBoard(fl.Field().String()) == nil
		})
		bumpValidator = v
	})
	return bumpValidator
}

// Validate checks b against its field rules. The first failing field is
// reported as an *InvalidError.
func (b Bump) Validate() error {
	err := validate().Struct(b)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &InvalidError{Field: verrs[0].Field(), Rule: verrs[0].Tag()}
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}
