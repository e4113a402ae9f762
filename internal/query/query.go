// Package query interprets the request parameters and reduces loaded
// records to the projected views that get rendered.
package query

import (
	"encoding/json"
	"math"
	"net/url"

	"github.com/0xReLogic/carsxml/internal/records"
)

// Query parameter and field names.
const (
	ParamCylinders = "cylinders"
	ParamMaxMPG    = "max_mpg"

	FieldModel = "model"
	FieldCyl   = "cyl"
	FieldMPG   = "mpg"
)

// Params is the interpreted query string.
type Params struct {
	// ShowCylinders is true only for cylinders=true.
	ShowCylinders bool
	// ShowMPG is true when max_mpg was given a non-empty value, parsable or not.
	ShowMPG bool
	// MaxMPG is the filter threshold; NaN disables filtering.
	MaxMPG float64
}

// Filtering reports whether a usable max_mpg threshold was supplied.
func (p Params) Filtering() bool {
	return !math.IsNaN(p.MaxMPG)
}

// ParseParams reads the first value of each recognized key. Unknown keys are ignored.
func ParseParams(values url.Values) Params {
	rawMax := values.Get(ParamMaxMPG)
	return Params{
		ShowCylinders: values.Get(ParamCylinders) == "true",
		ShowMPG:       rawMax != "",
		MaxMPG:        ParseFloatPrefix(rawMax),
	}
}

// Field is one projected value. A nil Value is undefined and is not rendered.
type Field struct {
	Name  string
	Value json.RawMessage
}

// View is the ordered projection of one record.
type View []Field

// Filter keeps the records whose mpg is strictly below p.MaxMPG, in input
// order. With no usable threshold it returns recs unchanged.
func Filter(recs []records.Record, p Params) []records.Record {
	if !p.Filtering() {
		return recs
	}
	out := make([]records.Record, 0, len(recs))
	for _, r := range recs {
		raw, ok := r.Field(FieldMPG)
		// NaN compares false, so undefined and non-numeric mpg drop out here.
		if ToNumber(raw, ok) < p.MaxMPG {
			out = append(out, r)
		}
	}
	return out
}

// Project builds the view of each record: model, then cyl and mpg when requested.
func Project(recs []records.Record, p Params) []View {
	views := make([]View, 0, len(recs))
	for _, r := range recs {
		v := View{field(r, FieldModel)}
		if p.ShowCylinders {
			v = append(v, field(r, FieldCyl))
		}
		if p.ShowMPG {
			v = append(v, field(r, FieldMPG))
		}
		views = append(views, v)
	}
	return views
}

// Apply filters and projects in one step.
func Apply(recs []records.Record, p Params) []View {
	return Project(Filter(recs, p), p)
}

func field(r records.Record, name string) Field {
	raw, _ := r.Field(name)
	return Field{Name: name, Value: raw}
}
