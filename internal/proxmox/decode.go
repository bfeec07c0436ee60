package proxmox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexInt decodes an integer field that Proxmox encodes inconsistently
// across versions and endpoints: sometimes a JSON number, sometimes a
// numeric string, sometimes null or absent. Absent fields stay at the
// zero value.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n, err := coerceInt(v)
	if err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

// coerceInt maps the value variants onto an int: number, numeric string,
// or nil (0). Anything else is a decode error.
func coerceInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t.String())
		}
		return int(n), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", s)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported value of type %T", v)
	}
}
