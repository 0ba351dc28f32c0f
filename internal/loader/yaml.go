package loader

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowrun/internal/model"
)

// YAMLDeserializer parses the YAML-encoded equivalent of the TOML schema
// (same field names, lowercased per yaml.v3 default) for teams that prefer
// YAML flow definitions (spec.md §4.2 "one deserializer per supported
// extension").
type YAMLDeserializer struct{}

type yamlDoc struct {
	Flow       string                    `yaml:"flow"`
	Function   string                    `yaml:"function"`
	Docs       string                    `yaml:"docs"`
	IsImpure   bool                      `yaml:"impure"`
	Process    []yamlProcessRef          `yaml:"process"`
	Connection []tomlConnection          `yaml:"connection"`
	Input      []tomlIO                  `yaml:"input"`
	Output     []tomlIO                  `yaml:"output"`
}

type yamlProcessRef struct {
	Alias  string                    `yaml:"alias"`
	Source string                    `yaml:"source"`
	Input  map[string]tomlInitValues `yaml:"input"`
}

// Deserialize implements Deserializer.
func (YAMLDeserializer) Deserialize(contents []byte, sourceURL string) (*model.Process, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("%w: yaml syntax error in %q: %v", model.ErrParse, sourceURL, err)
	}

	switch {
	case doc.Flow != "":
		td := tomlDoc{Flow: doc.Flow, Connection: doc.Connection, Input: doc.Input, Output: doc.Output}
		for _, p := range doc.Process {
			td.Process = append(td.Process, tomlProcessRef{Alias: p.Alias, Source: p.Source, Input: p.Input})
		}
		return deserializeFlow(td)
	case doc.Function != "":
		td := tomlDoc{Function: doc.Function, Docs: doc.Docs, IsImpure: doc.IsImpure, Input: doc.Input, Output: doc.Output}
		return deserializeFunction(td)
	default:
		return nil, fmt.Errorf("%w: %q declares neither \"flow\" nor \"function\"", model.ErrParse, sourceURL)
	}
}
