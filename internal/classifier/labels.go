package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Labels is the ordered set of class names; index i names output i.
type Labels []string

// SkinLabels are the classes the lesion model was trained on.
var SkinLabels = Labels{"Benign", "Malignant", "Normal"}

var allowedExtensions = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"bmp":  {},
}

// Extension returns the lower-cased text after the last dot of filename, or
// "" when there is none.
func Extension(filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// AllowedFile reports whether filename carries an allow-listed extension.
func AllowedFile(filename string) bool {
	_, ok := allowedExtensions[Extension(filename)]
	return ok
}

// Probability is one label's share of the model output.
type Probability struct {
	Label string
	Value float32
}

// Probabilities holds one entry per label, in label order.
type Probabilities []Probability

// Top returns the highest entry; the earliest label wins a tie.
func (p Probabilities) Top() Probability {
	var top Probability
	for i, entry := range p {
		if i == 0 || entry.Value > top.Value {
			top = entry
		}
	}
	return top
}

// Sum adds every entry in float64.
func (p Probabilities) Sum() float64 {
	var total float64
	for _, entry := range p {
		total += float64(entry.Value)
	}
	return total
}

// MarshalJSON encodes p as an object whose keys follow label order.
func (p Probabilities) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Label)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("probability for %s: %w", entry.Label, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
