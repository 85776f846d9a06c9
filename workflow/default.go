package workflow

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
)

const DefaultName = "default"

//go:embed default.yml
var defaultWorkflow []byte

// Default returns the built-in quality gate, used when a repository carries
// no workflow files of its own.
func Default() Workflow {
	wf, err := FromFile(DefaultName, defaultWorkflow)
	if err != nil {
		panic(fmt.Sprintf("built-in workflow is invalid: %v", err))
	}
	return wf
}

// DefaultRaw returns the YAML source of the built-in quality gate.
func DefaultRaw() RawWorkflow {
	return RawWorkflow{Name: DefaultName, Contents: defaultWorkflow}
}

// LoadDir reads the workflows in dir, falling back to the built-in quality
// gate when the directory is missing or holds no workflow files.
func LoadDir(dir string) (RawPipeline, error) {
	if dir == "" {
		return RawPipeline{DefaultRaw()}, nil
	}

	raw, err := ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if len(raw) == 0 {
		return RawPipeline{DefaultRaw()}, nil
	}
	return raw, nil
}
