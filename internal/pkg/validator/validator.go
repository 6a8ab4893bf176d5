package validator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Order type validation
	validate.RegisterValidation("order_type", func(fl validator.FieldLevel) bool {
		t := fl.Field().String()
		valid := []string{"deposit", "upgrade_daily", "upgrade_per_use", "token_purchase"}
		for _, v := range valid {
			if t == v {
				return true
			}
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errs := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errs[field] = "This field is required"
		case "min":
			errs[field] = fmt.Sprintf("Must be at least %s", err.Param())
		case "max":
			errs[field] = fmt.Sprintf("Must be at most %s", err.Param())
		case "gt":
			errs[field] = fmt.Sprintf("Must be greater than %s", err.Param())
		case "email":
			errs[field] = "Must be a valid email"
		case "uuid":
			errs[field] = "Must be a valid UUID"
		case "order_type":
			errs[field] = "Unknown order type"
		default:
			errs[field] = fmt.Sprintf("Failed validation: %s", err.Tag())
		}
	}
	return errs
}
