package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog is a compiled set of pipelines keyed by name.
type Catalog struct {
	defs map[string]*Definition
}

// NewCatalog compiles defs. Duplicate names are rejected.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if err := Compile(d); err != nil {
			return nil, err
		}
		if _, dup := c.defs[d.Name]; dup {
			return nil, &DefinitionError{Pipeline: d.Name, Msg: "duplicate pipeline name"}
		}
		c.defs[d.Name] = d
	}
	return c, nil
}

// Get returns the named pipeline or ErrPipelineNotFound.
func (c *Catalog) Get(name string) (*Definition, error) {
	if d, ok := c.defs[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrPipelineNotFound)
}

// Names lists pipeline names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.defs))
	for n := range c.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LoadDir parses every *.yaml / *.yml file in dir and compiles the result.
// A missing directory yields an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	defs, err := LoadFiles(files...)
	if err != nil {
		return nil, err
	}
	return NewCatalog(defs...)
}

// Files lists the pipeline files in dir, sorted. A missing directory yields
// no files.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipelines directory %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadFiles parses files in order and returns their definitions uncompiled.
func LoadFiles(files ...string) ([]*Definition, error) {
	var defs []*Definition
	for _, f := range files {
		fs, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for i := range fs.Pipelines {
			defs = append(defs, &fs.Pipelines[i])
		}
	}
	return defs, nil
}

// LoadFile parses one pipeline YAML file without compiling it.
func LoadFile(path string) (*FileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %q: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes pipeline YAML. Unknown fields are rejected.
func Parse(data []byte, source string) (*FileSpec, error) {
	var fs FileSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse pipeline file %q: %w", source, err)
	}
	return &fs, nil
}
