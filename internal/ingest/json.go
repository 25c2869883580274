package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"

	"wiguard/internal/remote"
)

// DecodePayload accepts everything a backend response may look like (an
// array or an envelope), a single pushed event object, and
// newline-delimited JSON.
func DecodePayload(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	events, err := remote.DecodeEvents(trimmed)
	if err == nil {
		return events, nil
	}
	if errors.Is(err, remote.ErrNoEnvelope) {
		var single map[string]any
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, err
		}
		if len(single) == 0 {
			return nil, errors.New("empty event object")
		}
		return []map[string]any{single}, nil
	}
	if !bytes.ContainsRune(trimmed, '\n') {
		return nil, err
	}
	return decodeLines(trimmed)
}

func decodeLines(data []byte) ([]map[string]any, error) {
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, scanner.Err()
}
