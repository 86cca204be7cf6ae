package protocol

import "fmt"

// ContentHeader represents the content header that follows a basic.publish
type ContentHeader struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties Properties
}

// Validate checks the header fields that the engine depends on
func (h *ContentHeader) Validate() error {
	if h.ClassID != ClassBasic {
		return fmt.Errorf("content header class %d is not basic", h.ClassID)
	}
	if h.Weight != 0 {
		return fmt.Errorf("content header weight must be zero, got %d", h.Weight)
	}
	if err := ValidateTable(h.Properties.Headers); err != nil {
		return err
	}
	return nil
}
