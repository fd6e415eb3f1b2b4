package util

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

// Encode serializes v with XDR.
func Encode(v any) ([]byte, error) {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, v); err != nil {
		return nil, fmt.Errorf("serializing: %w", err)
	}
	return w.Bytes(), nil
}

// Decode deserializes XDR data into v.
func Decode(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("deserializing: %w", err)
	}
	return nil
}

// Persist atomically writes v to filename.
func Persist(filename string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}

	err = atomic.WriteFile(filename, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("writing to disk: %w", err)
	}

	return nil
}

func Load(filename string, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}
	return Decode(data, v)
}
