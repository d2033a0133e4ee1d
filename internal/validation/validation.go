// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := model.ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// Struct проверяет структуру по тегам validate и возвращает *model.InputError
// для первого некорректного поля.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &model.InputError{Field: fe.Field(), Reason: reason(fe)}
	}
	return &model.InputError{Field: "body", Reason: err.Error()}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "date":
		return "must be a date in " + model.DateLayout + " format"
	case "gt", "gte", "min":
		return "must be " + fe.Tag() + " " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// Date разбирает дату поля field.
func Date(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, &model.InputError{Field: field, Reason: "required"}
	}
	t, err := model.ParseDate(value)
	if err != nil {
		return time.Time{}, &model.InputError{Field: field, Reason: "must be a date in " + model.DateLayout + " format"}
	}
	return t, nil
}

// DateRange разбирает включительный диапазон дат и проверяет, что начало не позже конца.
func DateRange(start, end string) (time.Time, time.Time, error) {
	from, err := Date("start_date", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := Date("end_date", end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, &model.InputError{Field: "end_date", Reason: "before start_date"}
	}
	return from, to, nil
}
