package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/740540/Trabajo-Wallapop/internal/models"
	"github.com/sirupsen/logrus"
)

// FileSource replays raw records from an NDJSON file, one record per line
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) GetName() string {
	return "file"
}

func (f *FileSource) IsEnabled() bool {
	return f.path != ""
}

func (f *FileSource) FetchListings(ctx context.Context) ([]models.RawListing, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.path, err)
	}
	defer file.Close()

	var listings []models.RawListing
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var raw models.RawListing
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", f.path, line, err)
		}
		listings = append(listings, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	logrus.Infof("Read %d raw listings from %s", len(listings), f.path)
	return listings, nil
}
