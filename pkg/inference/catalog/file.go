package catalog

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileSource reads hosted models from a YAML file:
//
//	models:
//	  - name: claude-3-5-haiku-latest
//	    display_name: haiku
//	    provider: anthropic
type FileSource struct {
	Path string
}

type modelsFile struct {
	Models []ModelInfo `yaml:"models"`
}

func (f FileSource) Name() string { return "file" }

func (f FileSource) List(context.Context) ([]ModelInfo, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read models file %s", f.Path)
	}
	var mf modelsFile
	if err := yaml.Unmarshal(b, &mf); err != nil {
		return nil, errors.Wrapf(err, "parse models file %s", f.Path)
	}
	for i, m := range mf.Models {
		if m.Name == "" {
			return nil, errors.Errorf("models file %s: entry %d has no name", f.Path, i)
		}
		if m.Provider == "" {
			return nil, errors.Errorf("models file %s: model %s has no provider", f.Path, m.Name)
		}
	}
	return mf.Models, nil
}
