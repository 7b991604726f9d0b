package audio

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"audiosplit/model"
)

// SegmentFile is a produced segment still on disk.
type SegmentFile struct {
	Index int
	Name  string
	Path  string
	Size  int64
}

// Collector gathers the files ffmpeg wrote into an output directory.
type Collector struct {
	prefix string
}

// NewCollector returns a Collector matching files that start with SegmentPrefix.
func NewCollector() *Collector {
	return &Collector{prefix: SegmentPrefix}
}

// List returns the segment files in outputDir sorted by name. The fixed-width
// counter in the output pattern makes name order equal to production order.
// An empty result is not an error here; callers decide what it means.
func (c *Collector) List(outputDir string) ([]SegmentFile, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory %s: %w", outputDir, err)
	}

	names := make([]string, 0, len(entries))
	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), c.prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
		sizes[e.Name()] = info.Size()
	}
	sort.Strings(names)

	files := make([]SegmentFile, len(names))
	for i, name := range names {
		files[i] = SegmentFile{
			Index: i,
			Name:  name,
			Path:  filepath.Join(outputDir, name),
			Size:  sizes[name],
		}
	}
	return files, nil
}

// Encode reads each file fully and base64-encodes it.
func (c *Collector) Encode(files []SegmentFile) ([]model.Segment, error) {
	segments := make([]model.Segment, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %s: %w", f.Name, err)
		}
		segments = append(segments, model.Segment{
			Index:    f.Index,
			FileName: f.Name,
			Data:     base64.StdEncoding.EncodeToString(data),
			Size:     int64(len(data)),
		})
	}
	return segments, nil
}

// Collect is List followed by Encode.
func (c *Collector) Collect(outputDir string) ([]model.Segment, error) {
	files, err := c.List(outputDir)
	if err != nil {
		return nil, err
	}
	return c.Encode(files)
}
