package loader

import (
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/flowmesh/flowrun/internal/model"
)

// TOMLDeserializer parses the on-disk TOML schema for flows and functions
// (spec.md §4.2, grounded on
// original_source flowclib/src/deserializers/toml_deserializer.rs's
// FlowTomelLoader, whose test fixtures fix the `flow = "..."` /
// `[[process]]` / `[[connection]]` vs. `function = "..."` /
// `[[input]]` / `[[output]]` surface shape).
type TOMLDeserializer struct{}

type tomlDoc struct {
	Flow     string             `toml:"flow"`
	Function string             `toml:"function"`
	Docs     string             `toml:"docs"`
	IsImpure bool               `toml:"impure"`
	Process  []tomlProcessRef   `toml:"process"`
	Connection []tomlConnection `toml:"connection"`
	Input    []tomlIO          `toml:"input"`
	Output   []tomlIO          `toml:"output"`
}

type tomlProcessRef struct {
	Alias  string                    `toml:"alias"`
	Source string                    `toml:"source"`
	Input  map[string]tomlInitValues `toml:"input"`
}

type tomlInitValues struct {
	Once   interface{} `toml:"once"`
	Always interface{} `toml:"always"`
}

type tomlConnection struct {
	Name string `toml:"name"`
	From string `toml:"from"`
	To   string `toml:"to"`
}

type tomlIO struct {
	Name    string `toml:"name"`
	Type    string `toml:"type"`
	Depth   int    `toml:"depth"`
	Generic bool   `toml:"generic"`
}

// Deserialize implements Deserializer.
func (TOMLDeserializer) Deserialize(contents []byte, sourceURL string) (*model.Process, error) {
	var doc tomlDoc
	if _, err := toml.Decode(string(contents), &doc); err != nil {
		return nil, fmt.Errorf("%w: toml syntax error in %q: %v", model.ErrParse, sourceURL, err)
	}

	switch {
	case doc.Flow != "":
		return deserializeFlow(doc)
	case doc.Function != "":
		return deserializeFunction(doc)
	default:
		return nil, fmt.Errorf("%w: %q declares neither \"flow\" nor \"function\"", model.ErrParse, sourceURL)
	}
}

func deserializeFlow(doc tomlDoc) (*model.Process, error) {
	fl := &model.FlowDefinition{
		Name: model.Name(doc.Flow),
	}
	for _, in := range doc.Input {
		fl.Inputs = append(fl.Inputs, toModelIO(in))
	}
	for _, out := range doc.Output {
		fl.Outputs = append(fl.Outputs, toModelIO(out))
	}
	for _, p := range doc.Process {
		ref := model.ProcessReference{
			Alias:  model.Name(p.Alias),
			Source: p.Source,
		}
		if len(p.Input) > 0 {
			ref.InputInitializers = map[model.Name]model.Initializer{}
			for name, init := range p.Input {
				mi, err := toModelInitializer(init)
				if err != nil {
					return nil, fmt.Errorf("process %q input %q: %w", p.Alias, name, err)
				}
				if mi != nil {
					ref.InputInitializers[model.Name(name)] = *mi
				}
			}
		}
		fl.Processes = append(fl.Processes, ref)
	}
	for _, c := range doc.Connection {
		fl.Connections = append(fl.Connections, model.FlowConnection{
			Name: c.Name,
			From: c.From,
			To:   c.To,
		})
	}
	return &model.Process{Flow: fl}, nil
}

func deserializeFunction(doc tomlDoc) (*model.Process, error) {
	f := &model.FunctionDefinition{
		Name:     model.Name(doc.Function),
		Docs:     doc.Docs,
		IsImpure: doc.IsImpure,
	}
	for _, in := range doc.Input {
		f.Inputs = append(f.Inputs, toModelIO(in))
	}
	for _, out := range doc.Output {
		f.Outputs = append(f.Outputs, toModelIO(out))
	}
	return &model.Process{Function: f}, nil
}

func toModelIO(in tomlIO) model.IO {
	return model.IO{
		Name:     model.Name(in.Name),
		DataType: model.DataType(in.Type),
		Depth:    in.Depth,
		Generic:  in.Generic,
	}
}

func toModelInitializer(init tomlInitValues) (*model.Initializer, error) {
	switch {
	case init.Once != nil:
		raw, err := json.Marshal(init.Once)
		if err != nil {
			return nil, err
		}
		return &model.Initializer{Kind: model.InitOnce, Value: raw}, nil
	case init.Always != nil:
		raw, err := json.Marshal(init.Always)
		if err != nil {
			return nil, err
		}
		return &model.Initializer{Kind: model.InitAlways, Value: raw}, nil
	default:
		return nil, nil
	}
}
