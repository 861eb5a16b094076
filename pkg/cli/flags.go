package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type mapFlags map[string]string

func (m mapFlags) String() string {
	if len(m) == 0 {
		return "{}"
	}
	// Cast to map to avoid recursion.
	return fmt.Sprint((map[string]string)(m))
}

func (m *mapFlags) Set(s string) error {
	if len(s) == 0 {
		return nil
	}
	v := strings.SplitN(s, "=", 2)
	if len(v) != 2 {
		return fmt.Errorf("invalid flag %s: should be in key=value format", s)
	}
	if *m == nil {
		*m = map[string]string{v[0]: v[1]}
	} else {
		(*m)[v[0]] = v[1]
	}
	return nil
}

func (m *mapFlags) Type() string {
	t := reflect.TypeOf(map[string]string{})
	return t.String()
}

type durFlag time.Duration

func (df *durFlag) String() string {
	v := time.Duration(*df)
	return v.String()
}

func (df *durFlag) Set(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*df = durFlag(d)
	return nil
}

func (df *durFlag) Type() string {
	v := time.Duration(*df)
	t := reflect.TypeOf(v)
	return t.String()
}

// PopulateFlagSet mirrors a config struct onto a flag set. Flag names come
// from the `name` tag or the kebab-cased field name, defaults from `def`,
// help text from `desc`; `skip:"true"` fields are ignored. Every flag also
// gets a viper default so config files and env vars unmarshal cleanly.
func PopulateFlagSet(obj interface{}, flagSet *pflag.FlagSet) *pflag.FlagSet {
	v := reflect.ValueOf(obj).Elem()
	t := reflect.TypeOf(v.Interface())
	visitFields(flagSet, t, v)
	return flagSet
}

func visitFields(flagSet *pflag.FlagSet, t reflect.Type, v reflect.Value) {
	num := t.NumField()
	for i := 0; i < num; i++ {
		field := t.Field(i)
		fieldV := v.Field(i)

		if !(fieldV.IsValid() && fieldV.CanSet()) {
			continue
		}

		defaultValStr := field.Tag.Get("def")
		descVal := field.Tag.Get("desc")
		nameVal := field.Tag.Get("name")
		if nameVal == "" {
			nameVal = strcase.ToKebab(field.Name)
		}
		if field.Tag.Get("skip") == "true" {
			continue
		}

		switch field.Type {
		case reflect.TypeOf(map[string]string{}):
			val := fieldV.Addr().Interface().(*map[string]string)
			flagSet.Var((*mapFlags)(val), nameVal, descVal)
			// setting empty defaults to allow viper.Unmarshal to recognize this field
			viper.SetDefault(nameVal, map[string]string{})
		case reflect.TypeOf(""):
			val := fieldV.Addr().Interface().(*string)
			flagSet.StringVar(val, nameVal, defaultValStr, descVal)
			viper.SetDefault(nameVal, defaultValStr)
		case reflect.TypeOf(true):
			val := fieldV.Addr().Interface().(*bool)
			flagSet.BoolVar(val, nameVal, defaultValStr == "true", descVal)
			viper.SetDefault(nameVal, defaultValStr == "true")
		case reflect.TypeOf(time.Second):
			valDur := fieldV.Addr().Interface().(*time.Duration)
			val := (*durFlag)(valDur)
			var defaultVal time.Duration
			if defaultValStr != "" {
				var err error
				defaultVal, err = time.ParseDuration(defaultValStr)
				if err != nil {
					logrus.Fatalf("invalid default value: %q (%s)", defaultValStr, nameVal)
				}
			}
			*val = durFlag(defaultVal)
			flagSet.Var(val, nameVal, descVal)
			viper.SetDefault(nameVal, defaultVal)
		case reflect.TypeOf(1):
			val := fieldV.Addr().Interface().(*int)
			var defaultVal int
			if defaultValStr != "" {
				var err error
				defaultVal, err = strconv.Atoi(defaultValStr)
				if err != nil {
					logrus.Fatalf("invalid default value: %q (%s)", defaultValStr, nameVal)
				}
			}
			flagSet.IntVar(val, nameVal, defaultVal, descVal)
			viper.SetDefault(nameVal, defaultVal)
		case reflect.TypeOf(uint(1)):
			val := fieldV.Addr().Interface().(*uint)
			var defaultVal uint
			if defaultValStr != "" {
				out, err := strconv.ParseUint(defaultValStr, 10, 64)
				if err != nil {
					logrus.Fatalf("invalid default value: %q (%s)", defaultValStr, nameVal)
				}
				defaultVal = uint(out)
			}
			flagSet.UintVar(val, nameVal, defaultVal, descVal)
			viper.SetDefault(nameVal, defaultVal)
		default:
			if field.Type.Kind() == reflect.Struct {
				visitFields(flagSet, field.Type, fieldV)
				continue
			}
			logrus.Fatalf("type %s is not supported", field.Type)
		}
	}
}
