// Package flowdef loads flow and zone definition files.
//
// Files are YAML or JSON. Raw content is checked against the embedded JSON
// schemas before it is decoded, so unknown fields are rejected rather than
// silently dropped.
//
// A flow file is a tree of nodes. The root is the flow; a node with a script
// is a step; any other node is a job grouping its children:
//
//	name: ci
//	zone: linux
//	env: {CI: "1"}
//	children:
//	  - name: build
//	    children:
//	      - name: compile
//	        script: make
//	        timeout: 10m
//	      - name: lint
//	        script: make lint
//	        allow_failure: true
package flowdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/zone"
)

// nodeDoc is the file representation of a job.Node.
type nodeDoc struct {
	Kind         string            `json:"kind,omitempty"`
	Name         string            `json:"name"`
	Zone         string            `json:"zone,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Type         string            `json:"type,omitempty"`
	Script       string            `json:"script,omitempty"`
	WorkDir      string            `json:"work_dir,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`
	Retry        int               `json:"retry,omitempty"`
	Children     []nodeDoc         `json:"children,omitempty"`
}

type zonesDoc struct {
	Zones []zone.Zone `json:"zones"`
}

// Load reads a flow definition from path.
func Load(path string) (*job.Node, error) {
	data, err := readFile(path, "flow")
	if err != nil {
		return nil, err
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads a flow definition from r. path is used for format
// detection and error messages only.
func LoadFromReader(r io.Reader, path string) (*job.Node, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses, schema-checks and converts a flow definition. The
// returned tree has passed job.Node.Validate.
func LoadFromBytes(data []byte, path string) (*job.Node, error) {
	jsonData, err := toJSON(data, path, "flow")
	if err != nil {
		return nil, err
	}
	if err := ValidateFlow(jsonData); err != nil {
		return nil, err
	}

	var doc nodeDoc
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("invalid flow: %w", err)
	}
	root, err := convert(doc, true)
	if err != nil {
		return nil, err
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return root, nil
}

// LoadZones reads zone definitions from path.
func LoadZones(path string) ([]zone.Zone, error) {
	data, err := readFile(path, "zone")
	if err != nil {
		return nil, err
	}
	return LoadZonesFromBytes(data, path)
}

// LoadZonesFromBytes parses, schema-checks and validates zone definitions.
func LoadZonesFromBytes(data []byte, path string) ([]zone.Zone, error) {
	jsonData, err := toJSON(data, path, "zone")
	if err != nil {
		return nil, err
	}
	if err := ValidateZones(jsonData); err != nil {
		return nil, err
	}
	var doc zonesDoc
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("invalid zone file: %w", err)
	}
	seen := make(map[string]bool, len(doc.Zones))
	for _, z := range doc.Zones {
		if err := z.Validate(); err != nil {
			return nil, err
		}
		if seen[z.Name] {
			return nil, fmt.Errorf("%w: duplicate zone %q", zone.ErrInvalidZone, z.Name)
		}
		seen[z.Name] = true
	}
	return doc.Zones, nil
}

func convert(doc nodeDoc, root bool) (*job.Node, error) {
	n := &job.Node{
		Name:         doc.Name,
		Zone:         doc.Zone,
		Env:          doc.Env,
		Type:         doc.Type,
		Script:       doc.Script,
		WorkDir:      doc.WorkDir,
		AllowFailure: doc.AllowFailure,
		Retry:        doc.Retry,
	}
	switch {
	case doc.Kind != "":
		n.Kind = job.Kind(strings.ToUpper(doc.Kind))
	case root:
		n.Kind = job.KindFlow
	case doc.Script != "":
		n.Kind = job.KindStep
	default:
		n.Kind = job.KindJob
	}
	if doc.Timeout != "" {
		d, err := time.ParseDuration(doc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: timeout: %v", job.ErrInvalidNode, doc.Name, err)
		}
		n.Timeout = d
	}
	for _, child := range doc.Children {
		c, err := convert(child, false)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, c)
	}
	return n, nil
}

func readFile(path, what string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s file not found: %s", what, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading %s file: %s", what, path)
		}
		return nil, fmt.Errorf("failed to read %s file: %w", what, err)
	}
	return data, nil
}

// toJSON converts YAML or JSON input to JSON for schema validation.
// Unrecognized extensions try YAML first, since YAML is a superset of JSON.
func toJSON(data []byte, path, what string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s file is empty", what)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s file: %w", what, err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s file: %w", what, err)
	}
	if raw == nil {
		return nil, errors.New(what + " file is empty")
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s file to JSON: %w", what, err)
	}
	return out, nil
}
