package api

import (
	"errors"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

var validate = newValidator()

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.]{3,30}$`)

var usernameFolder = cases.Fold()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return field.Name
		}
		return name
	})
	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(normalizeUsername(fl.Field().String()))
	}); err != nil {
		panic(err)
	}
	return v
}

// validationMessage renders the first failed field as "Missing <field>" for
// absent values and "Invalid <field>" otherwise.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request"
	}
	fe := fieldErrs[0]
	if fe.Tag() == "required" {
		return "Missing " + fe.Field()
	}
	return "Invalid " + fe.Field()
}

// normalizeUsername folds case so lookups match the stored lower-case form.
func normalizeUsername(raw string) string {
	return usernameFolder.String(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@")))
}

func pathUUID(value, field string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", badRequest("Missing %s", field)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", badRequest("Invalid %s", field)
	}
	return id.String(), nil
}

// queryLimit parses the limit query parameter, falling back to def when it is
// absent.
func queryLimit(values url.Values, def, max int) (int, error) {
	raw := strings.TrimSpace(values.Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > max {
		return 0, badRequest("Invalid limit")
	}
	return limit, nil
}

// nullable maps empty optional strings to SQL NULL.
func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return strings.TrimSpace(value)
}
