// Package vehicle holds the vehicle records returned by the vendor's vehicle-listing endpoint.
//
// A [Vehicle] is an opaque JSON object. The vendor owns its schema, so this package does not
// validate it; a handful of typed accessors cover the fields applications commonly need and
// [Vehicle.Field] exposes the rest.
package vehicle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jlr-remote/remote-car/pkg/protocol"
)

// Keys used by the typed accessors.
const (
	KeyVIN    = "vin"
	KeyRole   = "role"
	KeyUserID = "userId"
)

// A Vehicle is a single entry of a user's vehicle list.
type Vehicle struct {
	fields *structpb.Struct
}

// New creates a Vehicle from a decoded JSON object.
func New(fields map[string]interface{}) (*Vehicle, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return &Vehicle{fields: s}, nil
}

// Parse decodes a single JSON object into a Vehicle.
func Parse(data []byte) (*Vehicle, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	return &Vehicle{fields: &s}, nil
}

// ParseList decodes the body of a vehicle-listing response:
//
//	{"vehicles": [{"userId": "...", "vin": "...", "role": "Primary"}]}
//
// A response without a vehicles member yields an empty list.
func ParseList(data []byte) ([]*Vehicle, error) {
	var envelope struct {
		Vehicles []json.RawMessage `json:"vehicles"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	vehicles := make([]*Vehicle, 0, len(envelope.Vehicles))
	for i, raw := range envelope.Vehicles {
		v, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("vehicle %d: %w", i, err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// Field returns the value stored under key as a plain Go value (string, float64, bool, nil,
// []interface{} or map[string]interface{}).
func (v *Vehicle) Field(key string) (interface{}, bool) {
	if v == nil || v.fields == nil {
		return nil, false
	}
	value, ok := v.fields.GetFields()[key]
	if !ok {
		return nil, false
	}
	return value.AsInterface(), true
}

// String returns the value stored under key formatted as a string. Numbers and booleans are
// converted; objects, lists, null and missing keys yield "".
func (v *Vehicle) String(key string) string {
	if v == nil || v.fields == nil {
		return ""
	}
	value, ok := v.fields.GetFields()[key]
	if !ok {
		return ""
	}
	switch k := value.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	}
	return ""
}

func (v *Vehicle) VIN() string {
	return v.String(KeyVIN)
}

// Role is the user's relationship to the vehicle, e.g. "Primary".
func (v *Vehicle) Role() string {
	return v.String(KeyRole)
}

func (v *Vehicle) UserID() string {
	return v.String(KeyUserID)
}

// Keys returns the record's field names in sorted order.
func (v *Vehicle) Keys() []string {
	if v == nil || v.fields == nil {
		return nil
	}
	keys := make([]string, 0, len(v.fields.GetFields()))
	for k := range v.fields.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsMap returns a copy of the record.
func (v *Vehicle) AsMap() map[string]interface{} {
	if v == nil || v.fields == nil {
		return map[string]interface{}{}
	}
	return v.fields.AsMap()
}

func (v *Vehicle) MarshalJSON() ([]byte, error) {
	if v == nil || v.fields == nil {
		return []byte("{}"), nil
	}
	return protojson.Marshal(v.fields)
}

func (v *Vehicle) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	v.fields = parsed.fields
	return nil
}

// Pretty renders the record as indented JSON.
func (v *Vehicle) Pretty() string {
	if v == nil || v.fields == nil {
		return "{}"
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Format(v.fields)
}
