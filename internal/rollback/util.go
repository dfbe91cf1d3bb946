package rollback

import "encoding/json"

// jsonEqual compares two values by their canonical JSON encoding,
// avoiding false negatives from differing concrete numeric types
// (e.g. int vs float64) that reflect.DeepEqual would treat as unequal.
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
