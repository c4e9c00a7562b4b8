package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	// trans is the singleton English translator for validation errors.
	trans     ut.Translator
	transOnce sync.Once

	// structs validates domain values by their `validate` tags, outside of
	// Gin's `binding` tags.
	structs     *govalidator.Validate
	structsOnce sync.Once
)

func translator() ut.Translator {
	transOnce.Do(func() {
		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
	})
	return trans
}

// jsonName uses the JSON tag name for field names in error messages.
func jsonName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func configure(v *govalidator.Validate) {
	v.RegisterTagNameFunc(jsonName)
	en_translations.RegisterDefaultTranslations(v, translator())
}

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during application startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		configure(v)
	}
}

// TranslateErrors takes a binding/validation error and returns a map of
// field path to human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fieldPath(fe)] = fe.Translate(translator())
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// fieldPath drops the root struct name, so "Assessment.questions[0].id"
// becomes "questions[0].id".
func fieldPath(fe govalidator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// Struct validates a domain value, e.g. a definition loaded from storage
// or a seed file.
func Struct(v interface{}) map[string]string {
	structsOnce.Do(func() {
		structs = govalidator.New()
		configure(structs)
	})
	if err := structs.Struct(v); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
