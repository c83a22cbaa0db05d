package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/minipipe/minipipe/internal/engcfg"
	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/router"
)

// planDocument is the on-disk plan artifact: the Plan proper plus the
// tool profiles and per-task-kind routing strategy the Router needs to
// resolve it. Keeping tool profiles alongside the plan (rather than in
// a second global registry) matches the spec's framing of a Plan as the
// self-contained input artifact for a Run.
type planDocument struct {
	model.Plan        `yaml:",inline"`
	Tools             []model.ToolProfile `yaml:"tools" validate:"required,min=1,dive"`
	RoutingStrategies map[string]string   `yaml:"routing_strategies,omitempty"`
}

func loadPlanDocument(path string) (planDocument, error) {
	var doc planDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read plan %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := engcfg.Validator().Struct(doc); err != nil {
		return doc, fmt.Errorf("validate plan %s: %w", path, err)
	}
	return doc, nil
}

// routerRules groups tool profiles by task_kind into Router rules,
// defaulting to the fixed strategy when routing_strategies is silent
// for a given kind.
func (d planDocument) routerRules() []router.Rule {
	byKind := map[string][]model.ToolProfile{}
	var order []string
	for _, t := range d.Tools {
		for _, kind := range t.TaskKinds {
			if _, seen := byKind[kind]; !seen {
				order = append(order, kind)
			}
			byKind[kind] = append(byKind[kind], t)
		}
	}
	rules := make([]router.Rule, 0, len(order))
	for _, kind := range order {
		strategy := d.RoutingStrategies[kind]
		if strategy == "" {
			strategy = "fixed"
		}
		rules = append(rules, router.Rule{TaskKind: kind, Candidates: byKind[kind], Strategy: strategy})
	}
	return rules
}
