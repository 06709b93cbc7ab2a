package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// EnvFeeder overlays environment variables onto a configuration structure.
// Fields opt in with an `env:"NAME"` tag; the lookup key is the upper-cased
// tag, prefixed with Prefix and an underscore when Prefix is set. Unset
// variables leave the field alone, so the feeder composes with file feeders
// as an override layer.
type EnvFeeder struct {
	Prefix string
}

// NewEnvFeeder creates an EnvFeeder with the given prefix. An empty prefix
// reads tag names verbatim.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: prefix}
}

// Feed fills tagged fields of target, which must be a pointer to a struct.
func (f EnvFeeder) Feed(target any) error {
	rv := reflect.ValueOf(target)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrInvalidTarget
	}
	return f.feedStruct(rv.Elem())
}

func (f EnvFeeder) feedStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !field.CanSet() {
			continue
		}

		// Nested structs are walked with the same prefix so a tag anywhere
		// in the tree resolves to a flat variable name.
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := f.feedStruct(field); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Pointer && !field.IsNil() && field.Elem().Kind() == reflect.Struct {
			if err := f.feedStruct(field.Elem()); err != nil {
				return err
			}
			continue
		}

		tag, ok := fieldType.Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}
		value, ok := os.LookupEnv(f.envName(tag))
		if !ok {
			continue
		}
		converted, err := convertEnvValue(value, field.Type())
		if err != nil {
			return fmt.Errorf("env feeder: field %s: %w", fieldType.Name, err)
		}
		field.Set(converted)
	}
	return nil
}

func (f EnvFeeder) envName(tag string) string {
	name := strings.ToUpper(tag)
	if f.Prefix != "" {
		name = strings.ToUpper(f.Prefix) + "_" + name
	}
	return name
}

var durationType = reflect.TypeOf(time.Duration(0))

// convertEnvValue coerces a string into the field's type. Durations are
// parsed with time.ParseDuration; everything else goes through cast.
func convertEnvValue(value string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Pointer {
		inner, err := convertEnvValue(value, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t.Elem())
		out.Elem().Set(inner)
		return out, nil
	}
	if t == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("parse duration %q: %w", value, err)
		}
		return reflect.ValueOf(d), nil
	}
	converted, err := cast.FromType(value, t)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("convert %q to %v: %w", value, t, err)
	}
	return reflect.ValueOf(converted).Convert(t), nil
}
