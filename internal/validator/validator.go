package validator

import (
	"fmt"
	"reflect"
)

// Validate returns an error naming the component when any dependency is nil or a zero value.
func Validate(name string, deps ...any) error {
	for i, dep := range deps {
		if isMissing(dep) {
			return fmt.Errorf("missing required deps for component %s: argument %d", name, i)
		}
	}

	return nil
}

func isMissing(dep any) bool {
	if dep == nil {
		return true
	}

	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}
