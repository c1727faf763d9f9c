package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrReservedUserID reports a string user id that collides with the wrapped
// numeric storage encoding and therefore cannot be stored reversibly.
var ErrReservedUserID = errors.New("domain: user id collides with reserved encoding")

// UserID is a caller-supplied user identifier, either a string or a number.
// The two kinds stay distinguishable through storage and token round-trips:
// numbers are stored wrapped as {"i":<number>} while plain strings are
// stored raw.
type UserID struct {
	str     string
	num     float64
	numeric bool
}

// StringID returns a string-kind UserID.
func StringID(s string) UserID { return UserID{str: s} }

// NumberID returns a number-kind UserID.
func NumberID(n float64) UserID { return UserID{num: n, numeric: true} }

// IsNumeric reports whether the id is the number kind.
func (u UserID) IsNumeric() bool { return u.numeric }

// IsZero reports whether the id was never set. The empty string id is
// indistinguishable from unset, which is fine: both are rejected wherever a
// user id is required.
func (u UserID) IsZero() bool { return !u.numeric && u.str == "" }

// Str returns the string value; only meaningful for string-kind ids.
func (u UserID) Str() string { return u.str }

// Num returns the numeric value; only meaningful for number-kind ids.
func (u UserID) Num() float64 { return u.num }

// String renders the id for logs and error messages.
func (u UserID) String() string {
	if u.numeric {
		return strconv.FormatFloat(u.num, 'f', -1, 64)
	}
	return u.str
}

// Equal reports whether two ids have the same kind and value.
func (u UserID) Equal(other UserID) bool {
	if u.numeric != other.numeric {
		return false
	}
	if u.numeric {
		return u.num == other.num
	}
	return u.str == other.str
}

// numericWrap is the reversible storage encoding for number-kind ids.
type numericWrap struct {
	I float64 `json:"i"`
}

// StorageValue returns the string persisted in the session row's user_id
// column. Number ids are wrapped as {"i":<number>}; string ids are stored
// raw, so a string that itself decodes to a JSON object carrying an "i" key
// would be indistinguishable from a wrapped number and is rejected.
func (u UserID) StorageValue() (string, error) {
	if u.numeric {
		raw, err := json.Marshal(numericWrap{I: u.num})
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(u.str), &probe); err == nil && len(probe) == 1 {
		if _, ok := probe["i"]; ok {
			return "", fmt.Errorf("%w: %q", ErrReservedUserID, u.str)
		}
	}
	return u.str, nil
}

// ParseStorageValue reverses StorageValue.
func ParseStorageValue(s string) UserID {
	var probe map[string]json.Number
	if json.Unmarshal([]byte(s), &probe) == nil && len(probe) == 1 {
		if n, ok := probe["i"]; ok {
			if f, err := n.Float64(); err == nil {
				return NumberID(f)
			}
		}
	}
	return StringID(s)
}

// MarshalJSON emits the id as a bare JSON string or number, matching how
// callers supplied it.
func (u UserID) MarshalJSON() ([]byte, error) {
	if u.numeric {
		return json.Marshal(u.num)
	}
	return json.Marshal(u.str)
}

// UnmarshalJSON accepts a JSON string or number. Numbers are preferred:
// a payload field that decodes as a plain number becomes a number-kind id.
func (u *UserID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch t := v.(type) {
	case string:
		*u = StringID(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return err
		}
		*u = NumberID(f)
	default:
		return fmt.Errorf("domain: user id must be a string or a number, got %T", v)
	}
	return nil
}
