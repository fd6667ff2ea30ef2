// Package validate checks operator input with struct tags.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid input")

var shortKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Redirect is a request to create a short link.
type Redirect struct {
	Key string `json:"key" validate:"required,shortkey"`
	URL string `json:"url" validate:"required,http_url,max=2048"`
}

var (
	once  sync.Once
	v     *validator.Validate
	trans ut.Translator
)

func get() (*validator.Validate, ut.Translator) {
	once.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ = uni.GetTranslator("en")

		v = validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
		_ = entranslations.RegisterDefaultTranslations(v, trans)

		_ = v.RegisterValidation("shortkey", func(fl validator.FieldLevel) bool {
			return shortKeyPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterTranslation("shortkey", trans,
			func(ut ut.Translator) error {
				return ut.Add("shortkey", "{0} may only contain letters, digits, '-' and '_' (at most 64)", true)
			},
			func(ut ut.Translator, fe validator.FieldError) string {
				msg, _ := ut.T("shortkey", fe.Field())
				return msg
			},
		)
	})
	return v, trans
}

// Struct validates s and returns an error wrapping ErrInvalid with a readable
// message for the first failing field.
func Struct(s any) error {
	val, tr := get()
	err := val.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, verrs[0].Translate(tr))
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}
