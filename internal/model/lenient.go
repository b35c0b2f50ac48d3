package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// StringMap is a string-valued map that accepts any JSON scalar or nested
// value on decode. Numbers keep their literal text, nested values are kept
// as JSON text and nulls become empty strings.
type StringMap map[string]string

func (m *StringMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("expected an object of values: %w", err)
	}
	if raw == nil {
		*m = nil
		return nil
	}

	out := make(StringMap, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			text, err := json.Marshal(val)
			if err != nil {
				return err
			}
			out[k] = string(text)
		}
	}
	*m = out
	return nil
}

// Extra holds object keys a record does not declare. They are written back
// on encode so unknown model output survives storage and the API.
type Extra map[string]json.RawMessage

// decodeExtra returns the keys of data that plain does not declare.
func decodeExtra(data []byte, plain interface{}) (Extra, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	known := jsonKeys(reflect.TypeOf(plain))
	var extra Extra
	for k, v := range fields {
		if known[strings.ToLower(k)] {
			continue
		}
		if extra == nil {
			extra = make(Extra)
		}
		extra[k] = v
	}
	return extra, nil
}

// encodeExtra marshals plain and adds the extra keys it does not already carry.
func encodeExtra(plain interface{}, extra Extra) ([]byte, error) {
	data, err := json.Marshal(plain)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// jsonKeys lists the lower-cased JSON names of a struct's fields, matching
// the case-insensitive lookup encoding/json does on decode.
func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		keys[strings.ToLower(name)] = true
	}
	return keys
}

func parseAmount(data []byte) (float64, error) {
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, err
	}
	return n.Float64()
}

func (b *ProductBundle) UnmarshalJSON(data []byte) error {
	type plain ProductBundle
	if err := json.Unmarshal(data, (*plain)(b)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	b.Extra = extra
	return err
}

func (b ProductBundle) MarshalJSON() ([]byte, error) {
	type plain ProductBundle
	return encodeExtra(plain(b), b.Extra)
}

func (p *Product) UnmarshalJSON(data []byte) error {
	type plain Product
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	p.Extra = extra
	return err
}

func (p Product) MarshalJSON() ([]byte, error) {
	type plain Product
	return encodeExtra(plain(p), p.Extra)
}

func (i *Identification) UnmarshalJSON(data []byte) error {
	type plain Identification
	if err := json.Unmarshal(data, (*plain)(i)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	i.Extra = extra
	return err
}

func (i Identification) MarshalJSON() ([]byte, error) {
	type plain Identification
	return encodeExtra(plain(i), i.Extra)
}

func (d *Details) UnmarshalJSON(data []byte) error {
	type plain Details
	if err := json.Unmarshal(data, (*plain)(d)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	d.Extra = extra
	return err
}

func (d Details) MarshalJSON() ([]byte, error) {
	type plain Details
	return encodeExtra(plain(d), d.Extra)
}

func (p *Pricing) UnmarshalJSON(data []byte) error {
	type plain Pricing
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	p.Extra = extra
	return err
}

func (p Pricing) MarshalJSON() ([]byte, error) {
	type plain Pricing
	return encodeExtra(plain(p), p.Extra)
}

// UnmarshalJSON also accepts a bare amount, as a number or numeric string.
func (p *Price) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' && !bytes.Equal(trimmed, []byte("null")) {
		amount, err := parseAmount(trimmed)
		if err != nil {
			return fmt.Errorf("price: expected an object or amount, got %s", trimmed)
		}
		*p = Price{Amount: amount, Sources: []string{}}
		return nil
	}

	type plain Price
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	p.Extra = extra
	return err
}

func (p Price) MarshalJSON() ([]byte, error) {
	type plain Price
	return encodeExtra(plain(p), p.Extra)
}

func (o *Ops) UnmarshalJSON(data []byte) error {
	type plain Ops
	if err := json.Unmarshal(data, (*plain)(o)); err != nil {
		return err
	}
	extra, err := decodeExtra(data, plain{})
	o.Extra = extra
	return err
}

func (o Ops) MarshalJSON() ([]byte, error) {
	type plain Ops
	return encodeExtra(plain(o), o.Extra)
}
