// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// sampleNamespace scopes the name-based sample IDs.
var sampleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/JakeFAU/listing-image-dedup/samples"))

// Generator creates UUID v7 strings for analyses and requests.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// SampleID returns the stable UUIDv5 of an image within a run. The same run
// and file name always map to the same ID.
func SampleID(run, name string) string {
	return uuid.NewSHA1(sampleNamespace, []byte(run+"/"+name)).String()
}
