package jsonx

import "encoding/json"

// Field[T] records whether its key appeared in the document, so PATCH
// bodies can tell "absent" from "explicitly null" from "set":
//   - !IsSet(): the key was missing, leave the target alone
//   - IsNull(): the key was present as null, clear the target
//   - Value():  the decoded value, nil when null
type Field[T any] struct {
	set bool
	val *T
}

func (f Field[T]) IsSet() bool  { return f.set }
func (f Field[T]) IsNull() bool { return f.set && f.val == nil }
func (f Field[T]) Value() *T    { return f.val }

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if string(trimJSONSpace(b)) == "null" {
		f.set, f.val = true, nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.set, f.val = true, &v
	return nil
}

// trimJSONSpace strips the whitespace characters JSON allows around a
// value (RFC 8259 insignificant whitespace).
func trimJSONSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\n' || b[i] == '\t' || b[i] == '\r') {
		i++
	}
	j := len(b) - 1
	for j >= i && (b[j] == ' ' || b[j] == '\n' || b[j] == '\t' || b[j] == '\r') {
		j--
	}
	return b[i : j+1]
}
