// Package config loads the runtime bindings file: which resolver backends
// exist, which entities route to which resolver, and where snapshot
// archives go. The file is HCL:
//
//	resolver "primary" {
//	  driver  = "sqlite"
//	  options = { path = "loomcore.db" }
//	}
//
//	binding "lab/Project" {
//	  resolver = "primary"
//	}
//
//	default_resolver = "primary"
//
//	archive {
//	  driver = "fs"
//	  root   = "./archivedata"
//	}
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// KnownDrivers lists the resolver drivers the runtime can construct.
var KnownDrivers = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
	"mongo":    true,
}

// Resolver declares a named backend and its driver options.
type Resolver struct {
	Name    string
	Driver  string
	Options map[string]string
}

// Binding routes one entity (module-qualified name) to a named resolver.
type Binding struct {
	Entity   string
	Resolver string
}

// Archive selects the snapshot archive backend.
type Archive struct {
	Driver string
	Root   string
	Bucket string
}

// Config is the validated contents of a bindings file.
type Config struct {
	Resolvers       []Resolver
	Bindings        []Binding
	DefaultResolver string
	Archive         *Archive
}

type hclFile struct {
	Resolvers       []*hclResolver `hcl:"resolver,block"`
	Bindings        []*hclBinding  `hcl:"binding,block"`
	DefaultResolver string         `hcl:"default_resolver,optional"`
	Archive         *hclArchive    `hcl:"archive,block"`
}

type hclResolver struct {
	Name    string         `hcl:"name,label"`
	Driver  string         `hcl:"driver"`
	Options hcl.Expression `hcl:"options,optional"`
}

type hclBinding struct {
	Entity   string `hcl:"entity,label"`
	Resolver string `hcl:"resolver"`
}

type hclArchive struct {
	Driver string `hcl:"driver"`
	Root   string `hcl:"root,optional"`
	Bucket string `hcl:"bucket,optional"`
}

// LoadFile parses and validates a bindings file from disk.
func LoadFile(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse bindings file %s: %w", path, diags)
	}
	return decode(file)
}

// Load parses and validates bindings from an in-memory document.
func Load(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse bindings %s: %w", filename, diags)
	}
	return decode(file)
}

func decode(file *hcl.File) (*Config, error) {
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode bindings: %w", diags)
	}
	cfg := &Config{DefaultResolver: parsed.DefaultResolver}
	for _, r := range parsed.Resolvers {
		opts, err := decodeOptions(r.Options)
		if err != nil {
			return nil, fmt.Errorf("resolver %q: %w", r.Name, err)
		}
		cfg.Resolvers = append(cfg.Resolvers, Resolver{Name: r.Name, Driver: r.Driver, Options: opts})
	}
	for _, b := range parsed.Bindings {
		cfg.Bindings = append(cfg.Bindings, Binding{Entity: b.Entity, Resolver: b.Resolver})
	}
	if parsed.Archive != nil {
		cfg.Archive = &Archive{Driver: parsed.Archive.Driver, Root: parsed.Archive.Root, Bucket: parsed.Archive.Bucket}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeOptions evaluates the options expression into a flat string map.
func decodeOptions(expr hcl.Expression) (map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluate options: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	converted, err := convert.Convert(val, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("options must be a string map: %w", err)
	}
	out := make(map[string]string)
	for k, v := range converted.AsValueMap() {
		out[k] = v.AsString()
	}
	return out, nil
}

func (c *Config) validate() error {
	names := make(map[string]bool, len(c.Resolvers))
	for _, r := range c.Resolvers {
		if names[r.Name] {
			return fmt.Errorf("duplicate resolver %q", r.Name)
		}
		names[r.Name] = true
		if !KnownDrivers[r.Driver] {
			return fmt.Errorf("resolver %q: unknown driver %q", r.Name, r.Driver)
		}
	}
	bound := make(map[string]bool, len(c.Bindings))
	for _, b := range c.Bindings {
		if bound[b.Entity] {
			return fmt.Errorf("duplicate binding for entity %q", b.Entity)
		}
		bound[b.Entity] = true
		if !names[b.Resolver] {
			return fmt.Errorf("binding %q references unknown resolver %q", b.Entity, b.Resolver)
		}
	}
	if c.DefaultResolver != "" && !names[c.DefaultResolver] {
		return fmt.Errorf("default_resolver references unknown resolver %q", c.DefaultResolver)
	}
	if c.Archive != nil {
		switch c.Archive.Driver {
		case "memory", "fs", "s3":
		default:
			return fmt.Errorf("archive: unknown driver %q", c.Archive.Driver)
		}
		if c.Archive.Driver == "s3" && c.Archive.Bucket == "" {
			return fmt.Errorf("archive: s3 driver requires a bucket")
		}
	}
	return nil
}
