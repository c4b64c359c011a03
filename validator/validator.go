package validator

import (
	"errors"
	"fmt"
	"reflect"
)

// Quality levels attached to a reading.
const (
	QualityGood = 100
	QualityBad  = 0
)

// ErrFieldMissing is returned when the validated struct lacks the field.
var ErrFieldMissing = errors.New("validator: field does not exist")

// Validator checks one aspect of a reading.
type Validator interface {
	Validate(data interface{}) error
}

// RangeValidator checks that a numeric field lies within [Min, Max]. Nil
// pointer fields are treated as absent values and pass.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks the field of the struct (or pointer to struct) data.
func (rv *RangeValidator) Validate(data interface{}) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return fmt.Errorf("validator: data must be a struct, got %s", v.Kind())
	}

	field := v.FieldByName(rv.Field)
	if !field.IsValid() {
		return fmt.Errorf("%w: %s", ErrFieldMissing, rv.Field)
	}
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return nil
		}
		field = field.Elem()
	}

	var value float64
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		value = field.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		value = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		value = float64(field.Uint())
	default:
		return fmt.Errorf("validator: field %s is not numeric", rv.Field)
	}

	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("validator: field %s value %g outside [%g, %g]", rv.Field, value, rv.Min, rv.Max)
	}

	return nil
}

// Set applies several validators to a reading.
type Set []Validator

// Quality returns QualityGood when every validator passes, otherwise
// QualityBad together with the failures.
func (s Set) Quality(data interface{}) (int, error) {
	var errs []error
	for _, v := range s {
		if err := v.Validate(data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return QualityBad, errors.Join(errs...)
	}
	return QualityGood, nil
}
