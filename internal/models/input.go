package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// DecodeInput decodes a tool input object. Numbers are kept as json.Number so
// integers beyond float64 precision survive a round trip. A JSON null yields
// a nil map.
func DecodeInput(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	return input, nil
}
