package cdnupload

import (
	"encoding/json"
	"io"
)

// WriteKeyMap writes a key map as a JSON object mapping relative paths to
// keys, with the paths sorted, so web applications can look up the current
// URL for a static asset by its original path.
func WriteKeyMap(w io.Writer, keyMap map[string]string) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(keyMap)
}

// ReadKeyMap reads a key map previously written by WriteKeyMap.
func ReadKeyMap(r io.Reader) (map[string]string, error) {
	var keyMap map[string]string
	if err := json.NewDecoder(r).Decode(&keyMap); err != nil {
		return nil, err
	}
	return keyMap, nil
}
