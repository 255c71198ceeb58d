package functions

import (
	"fmt"
	"reflect"
	"strings"

	"voice-gateway/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldMessages overrides the generic message for specific field/tag pairs
var fieldMessages = map[string]string{
	"items.required":    "order must contain at least one item",
	"items.min":         "order must contain at least one item",
	"item_id.required":  "every item needs an item id",
	"quantity.gt":       "item quantity must be greater than zero",
	"order_id.required": "an order number is required",
	"date.required":     "a meeting date is required",
	"date.datetime":     "the meeting date must look like 2024-01-31",
	"time.required":     "a meeting time is required",
	"time.datetime":     "the meeting time must look like 14:30",
}

// validateArguments checks v against its validate tags and reports the first
// violation as an ErrInvalidArguments with a caller-facing message
func validateArguments(tool string, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return errors.NewInvalidArguments(tool, "the arguments could not be validated")
	}

	fe := fieldErrors[0]
	if message, ok := fieldMessages[fe.Field()+"."+fe.Tag()]; ok {
		return errors.NewInvalidArguments(tool, message)
	}
	return errors.NewInvalidArguments(tool, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
}
