package holiday

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk holiday list format:
//
//	jurisdictions:
//	  us-ny:
//	    - date: 2025-12-25
//	      name: Christmas Day
//	  "*":
//	    - date: 2025-01-01
type File struct {
	Jurisdictions map[string][]Holiday `yaml:"jurisdictions"`
}

// LoadFile reads a YAML holiday file into a Static calendar.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holiday file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML holiday data into a Static calendar.
func Parse(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse holiday file: %w", err)
	}

	s := NewStatic()
	for jurisdiction, holidays := range f.Jurisdictions {
		for i, h := range holidays {
			if h.Date.IsZero() {
				return nil, fmt.Errorf("holiday %d of %q has no date", i, jurisdiction)
			}
			s.Add(jurisdiction, h.Date)
		}
	}
	return s, nil
}
