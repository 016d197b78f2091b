// Package llmrouter selects a model per task under budget constraints,
// fronts calls with a prompt cache and scores response quality to steer
// future routing.
package llmrouter

import (
	"sort"
	"strings"
)

type TaskKind string

const (
	TaskSummarize   TaskKind = "summarize"
	TaskClassify    TaskKind = "classify"
	TaskReview      TaskKind = "review"
	TaskGenerateFix TaskKind = "generate_fix"
)

// Model is one catalog entry. Tier positions the model on the same [0, 1]
// scale as request complexity; costs are per 1k tokens.
type Model struct {
	ID            string     `yaml:"id"`
	Family        string     `yaml:"family"`
	Tasks         []TaskKind `yaml:"tasks"`
	Tier          float64    `yaml:"tier"`
	InCostPer1K   float64    `yaml:"in_cost_per_1k"`
	OutCostPer1K  float64    `yaml:"out_cost_per_1k"`
	ContextWindow int        `yaml:"context_window"`
}

// Advertises reports whether the model lists the task.
func (m Model) Advertises(task TaskKind) bool {
	for _, t := range m.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// CapabilityFit is 1 for an advertised task, 0.5 otherwise.
func (m Model) CapabilityFit(task TaskKind) float64 {
	if m.Advertises(task) {
		return 1
	}
	return 0.5
}

// EstimateCost prices a call from estimated token counts.
func (m Model) EstimateCost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000*m.InCostPer1K + float64(tokensOut)/1000*m.OutCostPer1K
}

// Catalog is the process-wide model set, immutable after construction.
type Catalog struct {
	models []Model
	byID   map[string]Model
}

func NewCatalog(models []Model) *Catalog {
	c := &Catalog{byID: map[string]Model{}}
	for _, m := range models {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		if _, dup := c.byID[m.ID]; dup {
			continue
		}
		c.models = append(c.models, m)
		c.byID[m.ID] = m
	}
	return c
}

// DefaultCatalog covers the task set with a large generalist, a cheap
// workhorse, a mid tier and a free local fallback.
func DefaultCatalog() *Catalog {
	all := []TaskKind{TaskSummarize, TaskClassify, TaskReview, TaskGenerateFix}
	return NewCatalog([]Model{
		{ID: "gpt-large", Family: "gpt", Tasks: all, Tier: 0.9, InCostPer1K: 0.010, OutCostPer1K: 0.030, ContextWindow: 128000},
		{ID: "claude-medium", Family: "claude", Tasks: all, Tier: 0.7, InCostPer1K: 0.003, OutCostPer1K: 0.015, ContextWindow: 200000},
		{ID: "gpt-small", Family: "gpt", Tasks: []TaskKind{TaskSummarize, TaskClassify, TaskReview}, Tier: 0.4, InCostPer1K: 0.0005, OutCostPer1K: 0.0015, ContextWindow: 16000},
		{ID: "local-small", Family: "local", Tasks: []TaskKind{TaskSummarize, TaskClassify}, Tier: 0.2, ContextWindow: 8000},
	})
}

// Lookup returns the model by id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Candidates returns the models eligible for a task: every model that
// advertises it, plus the rest as 0.5-fit fallbacks, cheapest first within
// equal fit.
func (c *Catalog) Candidates(task TaskKind) []Model {
	out := append([]Model(nil), c.models...)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := out[i].CapabilityFit(task), out[j].CapabilityFit(task)
		if fi != fj {
			return fi > fj
		}
		ci := out[i].EstimateCost(1000, 1000)
		cj := out[j].EstimateCost(1000, 1000)
		if ci != cj {
			return ci < cj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
