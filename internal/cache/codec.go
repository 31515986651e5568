package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Mode selects the serialization applied to an entry's value.
type Mode string

const (
	ModeNone    Mode = "none" // string values stored as raw bytes
	ModeJSON    Mode = "json"
	ModeGob     Mode = "gob"
	ModeGobGzip Mode = "gob_gzip"
)

func init() {
	// Task outputs are untyped document trees; gob needs the concrete
	// container types registered up front.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

func encode(mode Mode, value any) ([]byte, error) {
	switch mode {
	case ModeNone:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("mode none requires string value, got %T", value)
		}
		return []byte(s), nil
	case ModeJSON:
		data, err := json.Marshal(value)
		return data, errors.Wrap(err, "json encode")
	case ModeGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
			return nil, errors.Wrap(err, "gob encode")
		}
		return buf.Bytes(), nil
	case ModeGobGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if err := gob.NewEncoder(zw).Encode(&value); err != nil {
			return nil, errors.Wrap(err, "gob encode")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip close")
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown codec mode %q", mode)
	}
}

func decode(mode Mode, data []byte) (any, error) {
	switch mode {
	case ModeNone:
		return string(data), nil
	case ModeJSON:
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, errors.Wrap(err, "json decode")
		}
		return value, nil
	case ModeGob:
		var value any
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value); err != nil {
			return nil, errors.Wrap(err, "gob decode")
		}
		return value, nil
	case ModeGobGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip open")
		}
		defer zr.Close()
		var value any
		if err := gob.NewDecoder(zr).Decode(&value); err != nil {
			return nil, errors.Wrap(err, "gob decode")
		}
		if _, err := io.Copy(io.Discard, zr); err != nil {
			return nil, errors.Wrap(err, "gzip drain")
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown codec mode %q", mode)
	}
}
