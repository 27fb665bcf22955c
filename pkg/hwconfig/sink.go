package hwconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the name of the configuration file written into the build
// output directory.
const FileName = "final_hw_config.json"

// Sink stores hardware configuration records.
type Sink interface {
	Save(ctx context.Context, rec *Record) error
}

// FileSink writes the configuration of a record as indented JSON.
type FileSink struct {
	Path string
}

// NewFileSink returns a sink writing <dir>/final_hw_config.json.
func NewFileSink(dir string) *FileSink {
	return &FileSink{Path: filepath.Join(dir, FileName)}
}

// Save implements [Sink].
func (s *FileSink) Save(_ context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hw config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.Path, append(data, '\n'), 0644)
}

// Load reads a configuration written by [FileSink].
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode hw config %s: %w", path, err)
	}
	return cfg, nil
}

// MultiSink saves to every sink in order and joins their errors.
type MultiSink []Sink

// Save implements [Sink].
func (m MultiSink) Save(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = MultiSink(nil)
)
