package audio

import "context"

// Segmenter cuts a media file into fixed-length pieces without re-encoding.
type Segmenter interface {
	// Split writes segments for inputFile using outputPattern, a printf-style
	// template with one zero-padded integer verb.
	Split(ctx context.Context, inputFile, outputPattern string, segmentSeconds int) error
	// Version reports the first line of the tool's version banner.
	Version(ctx context.Context) (string, error)
}
