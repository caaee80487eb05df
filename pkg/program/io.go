package program

import (
	"fmt"
	"os"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"
)

// Save encodes the program and writes it to path.
func Save(p *Program, path string) error {
	m, err := ToZMF(p)
	if err != nil {
		return err
	}
	data, err := proto.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal ZMF model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// LoadModel reads a serialized ZMF model without decoding the program.
func LoadModel(path string) (*zmf.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ZMF file: %w", err)
	}
	m := &zmf.Model{}
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ZMF protobuf: %w", err)
	}
	return m, nil
}

// Load reads a program written by Save.
func Load(path string) (*Program, error) {
	m, err := LoadModel(path)
	if err != nil {
		return nil, err
	}
	return FromZMF(m)
}
