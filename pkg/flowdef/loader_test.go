package flowdef

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/zone"
)

const ciFlow = `
name: ci
zone: linux
env:
  CI: "1"
children:
  - name: build
    children:
      - name: compile
        script: make
        timeout: 10m
        retry: 1
      - name: lint
        script: make lint
        allow_failure: true
  - name: publish
    kind: step
    script: ./publish.sh
    env:
      TARGET: prod
`

func TestLoadFromBytesYAML(t *testing.T) {
	root, err := LoadFromBytes([]byte(ciFlow), "ci.yaml")
	require.NoError(t, err)

	assert.Equal(t, job.KindFlow, root.Kind)
	assert.Equal(t, "ci", root.Name)
	assert.Equal(t, "linux", root.Zone)
	assert.Equal(t, map[string]string{"CI": "1"}, root.Env)
	require.Len(t, root.Children, 2)

	build := root.Children[0]
	assert.Equal(t, job.KindJob, build.Kind)
	require.Len(t, build.Children, 2)

	compile := build.Children[0]
	assert.Equal(t, job.KindStep, compile.Kind)
	assert.Equal(t, "make", compile.Script)
	assert.Equal(t, 10*time.Minute, compile.Timeout)
	assert.Equal(t, 1, compile.Retry)
	assert.True(t, build.Children[1].AllowFailure)

	publish := root.Children[1]
	assert.Equal(t, job.KindStep, publish.Kind)
	assert.Equal(t, "prod", publish.Env["TARGET"])
}

func TestLoadFromBytesJSON(t *testing.T) {
	data := `{"name":"ci","children":[{"name":"test","script":"go test ./..."}]}`
	root, err := LoadFromBytes([]byte(data), "ci.json")
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	assert.Equal(t, job.KindStep, root.Children[0].Kind)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		target error
	}{
		{"unknown field", "name: ci\nchildren:\n  - name: a\n    script: x\n    shell: bash\n", ErrValidationFailed},
		{"bad retry", "name: ci\nchildren:\n  - name: a\n    script: x\n    retry: -1\n", ErrValidationFailed},
		{"bad timeout", "name: ci\nchildren:\n  - name: a\n    script: x\n    timeout: soon\n", ErrValidationFailed},
		{"bad name", "name: ci\nchildren:\n  - name: a/b\n    script: x\n", ErrValidationFailed},
		{"missing name", "children:\n  - name: a\n    script: x\n", ErrValidationFailed},
		{"no steps", "name: ci\nchildren:\n  - name: empty\n", job.ErrInvalidNode},
		{"duplicate names", "name: ci\nchildren:\n  - name: a\n    script: x\n  - name: a\n    script: y\n", job.ErrInvalidNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.data), "ci.yaml")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestLoadEmpty(t *testing.T) {
	_, err := LoadFromBytes(nil, "ci.yaml")
	assert.Error(t, err)
	_, err = LoadFromBytes([]byte("{not json"), "ci.json")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ci.yml")
	require.NoError(t, os.WriteFile(path, []byte(ciFlow), 0o644))

	root, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ci", root.Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow file not found")

	root, err = LoadFromReader(strings.NewReader(ciFlow), "")
	require.NoError(t, err)
	assert.Len(t, root.Children, 2)
}

func TestLoadZones(t *testing.T) {
	data := `
zones:
  - name: linux
    provider: local
    min_size: 2
    max_size: 4
    idle_slack: 1
  - name: mac
    provider: ec2
`
	zones, err := LoadZonesFromBytes([]byte(data), "zones.yaml")
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, zone.Zone{Name: "linux", Provider: "local", MinSize: 2, MaxSize: 4, IdleSlack: 1}, zones[0])
	assert.Equal(t, "ec2", zones[1].Provider)

	_, err = LoadZonesFromBytes([]byte("zones:\n  - name: a\n"), "zones.yaml")
	assert.ErrorIs(t, err, ErrValidationFailed)

	_, err = LoadZonesFromBytes([]byte("zones:\n  - name: a\n    provider: local\n    min_size: 3\n    max_size: 1\n"), "zones.yaml")
	assert.ErrorIs(t, err, zone.ErrInvalidZone)

	_, err = LoadZonesFromBytes([]byte("zones:\n  - {name: a, provider: local}\n  - {name: a, provider: local}\n"), "zones.yaml")
	assert.ErrorIs(t, err, zone.ErrInvalidZone)
}

func TestValidationErrorsFormat(t *testing.T) {
	one := ValidationErrors{{Path: "/name", Message: "required"}}
	assert.Equal(t, "/name: required", one.Error())

	two := ValidationErrors{{Path: "/a", Message: "x"}, {Message: "y"}}
	assert.Equal(t, "definition validation failed with 2 errors:\n  - /a: x\n  - y", two.Error())
	assert.ErrorIs(t, two, ErrValidationFailed)
}
