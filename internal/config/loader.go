// Package config implements the cascade YAML loader: parsing one cascade
// definition file into a cascade.Definition, resolving relative cascade
// paths for run/map cells, and surfacing unknown-field warnings rather
// than silently ignoring typos.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryrobes/larsql-sub001/internal/cascade"
	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

// ErrConfigNotFound lets callers branch with
// errors.Is(err, config.ErrConfigNotFound).
var ErrConfigNotFound = errors.New("config: cascade file not found")

// yamlCascade is the on-disk shape of a cascade definition file, decoded
// with strict unknown-key checking before being converted to
// cascade.Definition.
type yamlCascade struct {
	CascadeID    string                    `yaml:"cascade_id"`
	Description  string                    `yaml:"description"`
	Inputs       map[string]yamlInputField `yaml:"inputs"`
	TokenBudget  *yamlTokenBudget          `yaml:"token_budget"`
	ToolCaching  bool                      `yaml:"tool_caching"`
	Training     bool                      `yaml:"training"`
	SQLFunction  *yamlSQLFunction          `yaml:"sql_function"`
	Cells        []yamlCell                `yaml:"cells"`
}

type yamlInputField struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
}

type yamlTokenBudget struct {
	MaxTotal      int    `yaml:"max_total"`
	ReserveOutput int    `yaml:"reserve_for_output"`
	Strategy      string `yaml:"strategy"`
}

type yamlSQLFunction struct {
	Name      string        `yaml:"name"`
	Args      []yamlSQLArg  `yaml:"args"`
	Returns   string        `yaml:"returns"`
	Shape     string        `yaml:"shape"`
	Operators []string      `yaml:"operators"`
	Cache     bool          `yaml:"cache"`
	Training  bool          `yaml:"training"`
}

type yamlSQLArg struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type yamlCell struct {
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Model        string            `yaml:"model"`
	Instructions string            `yaml:"instructions"`
	Traits       []string          `yaml:"traits"`
	Manifest     bool              `yaml:"manifest"`
	Rules        *yamlRules        `yaml:"rules"`
	Candidates   *yamlCandidates   `yaml:"candidates"`
	Context      *yamlContext      `yaml:"context"`
	OutputSchema map[string]any    `yaml:"output_schema"`
	Extraction   []yamlExtraction  `yaml:"output_extraction"`
	Handoffs     map[string]string `yaml:"handoffs"`
	Validator    string            `yaml:"validator"`
	Body         string            `yaml:"body"`
	CascadePath  string            `yaml:"cascade_path"`
	MapOver      string            `yaml:"map_over"`
	MaxParallel  int               `yaml:"max_parallel"`
}

type yamlRules struct {
	MaxTurns      int    `yaml:"max_turns"`
	TimeoutSec    int    `yaml:"timeout_seconds"`
	OnError       string `yaml:"on_error"`
	RetryMax      int    `yaml:"retry_max"`
	ParallelTools bool   `yaml:"parallel_tools"`
}

type yamlCandidates struct {
	Factor    string   `yaml:"factor"`
	Mode      string   `yaml:"mode"`
	Mutations []string `yaml:"mutations"`
	Models    []string `yaml:"models"`
	Selector  string   `yaml:"selector"`
	Reforge   int      `yaml:"reforge"`
}

type yamlContext struct {
	Retention string         `yaml:"retention"`
	TTL       map[string]int `yaml:"ttl"`
	Selection string         `yaml:"selection"`
	MaxTokens int            `yaml:"max_tokens"`
}

type yamlExtraction struct {
	Pattern  string `yaml:"pattern"`
	Format   string `yaml:"format"`
	StoreAs  string `yaml:"store_as"`
	Required bool   `yaml:"required"`
}

// Warning is a non-fatal finding surfaced alongside a successfully parsed
// cascade.
type Warning struct {
	Path    string // YAML path of the key, e.g. "not_a_field" or "cells[2].max_turnz"
	Message string
}

// Load parses one cascade YAML file at path into a cascade.Definition,
// strictly rejecting unknown keys as warnings (not hard failures, since an
// author iterating on a cascade should still be able to run it) and with
// precise line/column-anchored errors on structural problems.
func Load(path string) (*cascade.Definition, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, nil, cerrs.New(cerrs.KindConfig, "config.Load", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, cerrs.New(cerrs.KindConfig, "config.Load", fmt.Errorf("%s: %w", path, err))
	}
	warnings := collectUnknownFields(&root, "")

	var yc yamlCascade
	if err := root.Decode(&yc); err != nil {
		return nil, nil, cerrs.New(cerrs.KindConfig, "config.Load", fmt.Errorf("%s: %w", path, err))
	}

	def, err := toDefinition(&yc, path)
	if err != nil {
		return nil, nil, cerrs.New(cerrs.KindConfig, "config.Load", fmt.Errorf("%s: %w", path, err))
	}
	if err := def.Validate(); err != nil {
		return nil, nil, cerrs.New(cerrs.KindConfig, "config.Load", err)
	}
	return def, warnings, nil
}

// knownCascadeKeys and knownCellKeys gate collectUnknownFields's warnings;
// every yaml tag declared on yamlCascade/yamlCell above must be listed here.
var knownCascadeKeys = map[string]bool{
	"cascade_id": true, "description": true, "inputs": true, "token_budget": true,
	"tool_caching": true, "training": true, "sql_function": true, "cells": true,
}

var knownCellKeys = map[string]bool{
	"name": true, "kind": true, "model": true, "instructions": true, "traits": true,
	"manifest": true, "rules": true, "candidates": true, "context": true,
	"output_schema": true, "output_extraction": true, "handoffs": true, "validator": true,
	"body": true, "cascade_path": true, "map_over": true, "max_parallel": true,
}

// collectUnknownFields walks the raw document looking for top-level
// cascade keys and per-cell keys absent from the known sets, reporting
// their YAML line so an author can find the typo.
func collectUnknownFields(node *yaml.Node, path string) []Warning {
	var warnings []Warning
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		return collectUnknownFields(node.Content[0], path)
	}
	if node.Kind != yaml.MappingNode {
		return warnings
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if path == "" && !knownCascadeKeys[key.Value] {
			warnings = append(warnings, Warning{
				Path:    key.Value,
				Message: fmt.Sprintf("line %d: unknown cascade field %q", key.Line, key.Value),
			})
		}
		if path == "" && key.Value == "cells" && val.Kind == yaml.SequenceNode {
			for ci, cellNode := range val.Content {
				warnings = append(warnings, collectUnknownCellFields(cellNode, ci)...)
			}
		}
	}
	return warnings
}

func collectUnknownCellFields(node *yaml.Node, index int) []Warning {
	var warnings []Warning
	if node.Kind != yaml.MappingNode {
		return warnings
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !knownCellKeys[key.Value] {
			warnings = append(warnings, Warning{
				Path:    fmt.Sprintf("cells[%d].%s", index, key.Value),
				Message: fmt.Sprintf("line %d: unknown cell field %q in cells[%d]", key.Line, key.Value, index),
			})
		}
	}
	return warnings
}

func toDefinition(yc *yamlCascade, path string) (*cascade.Definition, error) {
	def := &cascade.Definition{
		ID:          yc.CascadeID,
		Description: yc.Description,
		ToolCaching: yc.ToolCaching,
		Training:    yc.Training,
		SourcePath:  path,
	}
	if len(yc.Inputs) > 0 {
		def.InputsSchema = make(map[string]cascade.InputField, len(yc.Inputs))
		for name, f := range yc.Inputs {
			def.InputsSchema[name] = cascade.InputField{
				Type: f.Type, Description: f.Description, Required: f.Required, Default: f.Default,
			}
		}
	}
	if yc.TokenBudget != nil {
		def.TokenBudget = &cascade.TokenBudgetSpec{
			MaxTotal: yc.TokenBudget.MaxTotal, ReserveOutput: yc.TokenBudget.ReserveOutput, Strategy: yc.TokenBudget.Strategy,
		}
	}
	if yc.SQLFunction != nil {
		args := make([]cascade.SQLArg, len(yc.SQLFunction.Args))
		for i, a := range yc.SQLFunction.Args {
			args[i] = cascade.SQLArg{Name: a.Name, Type: a.Type}
		}
		def.SQLFunction = &cascade.SQLFunctionSpec{
			Name: yc.SQLFunction.Name, Args: args, Returns: yc.SQLFunction.Returns,
			Shape: yc.SQLFunction.Shape, Operators: yc.SQLFunction.Operators,
			Cache: yc.SQLFunction.Cache, Training: yc.SQLFunction.Training,
		}
	}

	def.Cells = make([]cascade.Cell, len(yc.Cells))
	for i, cellSrc := range yc.Cells {
		cell, err := toCell(cellSrc)
		if err != nil {
			return nil, fmt.Errorf("cells[%d]: %w", i, err)
		}
		def.Cells[i] = cell
	}
	return def, nil
}

func toCell(yc yamlCell) (cascade.Cell, error) {
	if yc.Name == "" {
		return cascade.Cell{}, fmt.Errorf("cell is missing name")
	}
	kind := cascade.CellKind(yc.Kind)
	switch kind {
	case cascade.CellAgent, cascade.CellTool, cascade.CellSQL, cascade.CellPy, cascade.CellJS, cascade.CellMap, cascade.CellRun:
	default:
		return cascade.Cell{}, fmt.Errorf("cell %q: unknown kind %q", yc.Name, yc.Kind)
	}

	c := cascade.Cell{
		Name: yc.Name, Kind: kind, Model: yc.Model, Instructions: yc.Instructions,
		Traits: yc.Traits, Manifest: yc.Manifest, OutputSchema: yc.OutputSchema,
		Handoffs: yc.Handoffs, Validator: yc.Validator, Body: yc.Body,
		CascadePath: yc.CascadePath, MapOver: yc.MapOver, MaxParallel: yc.MaxParallel,
	}

	if yc.Rules != nil {
		c.Rules = cascade.Rules{
			MaxTurns:      yc.Rules.MaxTurns,
			Timeout:       time.Duration(yc.Rules.TimeoutSec) * time.Second,
			OnError:       cascade.OnError(yc.Rules.OnError),
			RetryMax:      yc.Rules.RetryMax,
			ParallelTools: yc.Rules.ParallelTools,
		}
	}
	if yc.Candidates != nil {
		c.Candidates = &cascade.CandidateSpec{
			Factor: yc.Candidates.Factor, Mode: cascade.CandidateMode(yc.Candidates.Mode),
			Mutations: yc.Candidates.Mutations, Models: yc.Candidates.Models,
			Selector: yc.Candidates.Selector, Reforge: yc.Candidates.Reforge,
		}
	}
	if yc.Context != nil {
		c.Context = &cascade.ContextSpec{
			Retention: cascade.Retention(yc.Context.Retention), TTL: yc.Context.TTL,
			Selection: cascade.SelectionStrategy(yc.Context.Selection), MaxTokens: yc.Context.MaxTokens,
		}
	}
	for _, e := range yc.Extraction {
		c.Extraction = append(c.Extraction, cascade.OutputExtractionRule{
			Pattern: e.Pattern, Format: cascade.ExtractionFormat(e.Format), StoreAs: e.StoreAs, Required: e.Required,
		})
	}
	return c, nil
}

// ResolveCascadePath resolves a run/map cell's cascade_path relative to the
// referencing cascade's own SourcePath directory.
func ResolveCascadePath(referencingSourcePath, cascadePath string) string {
	if filepath.IsAbs(cascadePath) {
		return cascadePath
	}
	return filepath.Join(filepath.Dir(referencingSourcePath), cascadePath)
}
