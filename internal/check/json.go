package check

import (
	"encoding/json"
	"math"
	"strconv"
)

// jsonFloat encodes NaN and the infinities as strings, which plain JSON
// numbers cannot carry.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return json.Marshal(strconv.FormatFloat(v, 'g', -1, 64))
	}

	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}

		*f = jsonFloat(v)

		return nil
	}

	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*f = jsonFloat(v)

	return nil
}

type jsonMismatch struct {
	Index int       `json:"index"`
	Got   jsonFloat `json:"got"`
	Want  jsonFloat `json:"want"`
}

func (m Mismatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMismatch{Index: m.Index, Got: jsonFloat(m.Got), Want: jsonFloat(m.Want)})
}

func (m *Mismatch) UnmarshalJSON(b []byte) error {
	var jm jsonMismatch
	if err := json.Unmarshal(b, &jm); err != nil {
		return err
	}

	*m = Mismatch{Index: jm.Index, Got: float64(jm.Got), Want: float64(jm.Want)}

	return nil
}
