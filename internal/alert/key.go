package alert

import (
	"cmp"
	"strconv"
)

// Key is the dedup key of an alert: its affected object and its description. A null
// field and an empty string are different keys.
type Key struct {
	Object         string
	HasObject      bool
	Description    string
	HasDescription bool
}

// String renders the key for logs, with null fields shown as <null>.
func (k Key) String() string {
	obj, desc := "<null>", "<null>"
	if k.HasObject {
		obj = strconv.Quote(k.Object)
	}
	if k.HasDescription {
		desc = strconv.Quote(k.Description)
	}
	return "(" + obj + ", " + desc + ")"
}

// Compare orders keys with null before any value, object before description.
func (k Key) Compare(o Key) int {
	if c := compareNullable(k.HasObject, k.Object, o.HasObject, o.Object); c != 0 {
		return c
	}
	return compareNullable(k.HasDescription, k.Description, o.HasDescription, o.Description)
}

func compareNullable(aok bool, a string, bok bool, b string) int {
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return cmp.Compare(a, b)
}
