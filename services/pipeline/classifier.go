package pipeline

import (
	"path/filepath"
	"strings"

	"l1gw/services/store"
)

// Profile selects which analyzer handles an artifact and how.
type Profile string

const (
	ProfileStandardCapture Profile = "standard-capture"
	ProfileLargeCapture    Profile = "large-capture"
	ProfileLog             Profile = "log"
)

const (
	// largeCaptureThreshold is the staged size above which captures are
	// analyzed in streaming chunks rather than loaded whole.
	largeCaptureThreshold = 512 * 1024 * 1024
	// largeCaptureChunkSize is the record count handed to the chunked
	// analyzer per batch.
	largeCaptureChunkSize = 5000
)

// Classification is the immutable processing decision for one artifact.
type Classification struct {
	MediaType store.MediaType
	Profile   Profile
	ChunkSize int
}

var captureSuffixes = []string{".pcap", ".pcapng", ".cap"}

// Classify maps a filename and byte size to a media type and analyzer
// profile. It is pure and total: unrecognized extensions classify as logs,
// and identical inputs always produce identical classifications.
func Classify(name string, size int64) Classification {
	ext := strings.ToLower(filepath.Ext(name))
	for _, suffix := range captureSuffixes {
		if ext == suffix {
			if size > largeCaptureThreshold {
				return Classification{
					MediaType: store.MediaCapture,
					Profile:   ProfileLargeCapture,
					ChunkSize: largeCaptureChunkSize,
				}
			}
			return Classification{MediaType: store.MediaCapture, Profile: ProfileStandardCapture}
		}
	}
	return Classification{MediaType: store.MediaLog, Profile: ProfileLog}
}
