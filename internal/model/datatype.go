package model

import "strings"

// DataType names a scalar ("Number", "String", "Boolean"), a container
// ("Array/T", "Object/T"), or "Null". Array nesting is recursive:
// "Array/Array/Number" is a 2-level array of numbers.
type DataType string

const (
	TypeNumber  DataType = "Number"
	TypeString  DataType = "String"
	TypeBoolean DataType = "Boolean"
	TypeNull    DataType = "Null"
)

// IsArray reports whether the type is an array container, and if so the
// element type one level down.
func (d DataType) IsArray() (DataType, bool) {
	s := string(d)
	if strings.HasPrefix(s, "Array/") {
		return DataType(strings.TrimPrefix(s, "Array/")), true
	}
	return "", false
}

// IsObject reports whether the type is an object container, and if so the
// value type.
func (d DataType) IsObject() (DataType, bool) {
	s := string(d)
	if strings.HasPrefix(s, "Object/") {
		return DataType(strings.TrimPrefix(s, "Object/")), true
	}
	return "", false
}

// ArrayOf builds "Array/<d>".
func ArrayOf(d DataType) DataType { return DataType("Array/" + string(d)) }

// Depth returns how many levels of Array/ wrap the base type, e.g.
// "Array/Array/Number" has depth 2.
func (d DataType) Depth() int {
	depth := 0
	cur := d
	for {
		inner, ok := cur.IsArray()
		if !ok {
			return depth
		}
		depth++
		cur = inner
	}
}

// Base strips all Array/ wrapping and returns the innermost type.
func (d DataType) Base() DataType {
	cur := d
	for {
		inner, ok := cur.IsArray()
		if !ok {
			return cur
		}
		cur = inner
	}
}

func (d DataType) String() string { return string(d) }
