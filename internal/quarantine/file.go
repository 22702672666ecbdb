package quarantine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileConfig configures the local directory archive
type FileConfig struct {
	Dir         string
	Compression CompressionType
}

// FileSink writes each batch to <dir>/YYYY/MM/DD/HH/<invocation>.jsonl<ext>.
// Files appear atomically via rename.
type FileSink struct {
	config     FileConfig
	compressor Compressor
	now        func() time.Time
}

// NewFileSink creates the archive directory and a file sink
func NewFileSink(config FileConfig) (*FileSink, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("quarantine directory is required")
	}

	compressor, err := GetCompressor(config.Compression)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	return &FileSink{
		config:     config,
		compressor: compressor,
		now:        time.Now,
	}, nil
}

// Name returns the sink name
func (f *FileSink) Name() string {
	return "file"
}

// Write stores the batch as one file
func (f *FileSink) Write(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.Entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := EncodeJSONLines(batch)
	if err != nil {
		return err
	}

	body, err = f.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("failed to compress batch: %w", err)
	}

	dir := filepath.Join(f.config.Dir, f.now().UTC().Format("2006/01/02/15"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	filename := filepath.Join(dir, archiveName(batch.InvocationID, f.compressor.Extension()))
	tempFile := filename + ".tmp"

	if err := os.WriteFile(tempFile, body, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReadFile loads the entries of one archive file, picking the codec from
// its extension
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	compression := CompressionNone
	switch {
	case strings.HasSuffix(path, ".gz"):
		compression = CompressionGzip
	case strings.HasSuffix(path, ".snappy"):
		compression = CompressionSnappy
	case strings.HasSuffix(path, ".zst"):
		compression = CompressionZstd
	}

	compressor, err := GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	data, err = compressor.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
