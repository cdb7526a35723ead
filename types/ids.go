package types

import (
	"fmt"
	"strconv"

	"github.com/songzhibin97/gkit/generator"
)

// NewID draws the next id from gen and renders it in decimal.
func NewID(gen generator.Generator) (string, error) {
	id, err := gen.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}
