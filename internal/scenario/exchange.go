package scenario

import (
	"encoding/json"
	"fmt"
)

// exportVersion is bumped when the interchange format changes shape.
const exportVersion = 1

// exportFile is the JSON interchange document for custom scenarios.
type exportFile struct {
	Version   int        `json:"version"`
	Scenarios []Scenario `json:"scenarios"`
}

// Export serialises the catalog's custom scenarios for download or backup.
func (c *Catalog) Export() ([]byte, error) {
	doc := exportFile{
		Version:   exportVersion,
		Scenarios: c.Custom(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("scenario: export: %w", err)
	}
	return data, nil
}

// Import parses an export document and adds its scenarios to the catalog as
// new custom entries with fresh IDs. It returns the number of scenarios
// imported. Entries that fail validation abort the whole import so a bad file
// is never half-applied.
func (c *Catalog) Import(data []byte) (int, error) {
	var doc exportFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("scenario: import: %w", err)
	}
	if doc.Version != exportVersion {
		return 0, fmt.Errorf("scenario: import: unsupported version %d", doc.Version)
	}

	for i, s := range doc.Scenarios {
		if err := s.Validate(); err != nil {
			return 0, fmt.Errorf("scenario: import: scenarios[%d]: %w", i, err)
		}
	}

	for _, s := range doc.Scenarios {
		if _, err := c.Add(s); err != nil {
			return 0, err
		}
	}
	return len(doc.Scenarios), nil
}
