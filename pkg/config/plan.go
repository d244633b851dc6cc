package config

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

// PlanFile is the declarative plan document.
type PlanFile struct {
	// Name identifies the plan in logs and reports.
	Name string `yaml:"name" validate:"required"`

	// Steps are the deployable units of the plan.
	Steps []StepSpec `yaml:"steps" validate:"required,min=1,dive"`
}

// StepSpec is one step as declared in the plan file.
type StepSpec struct {
	ID        string     `yaml:"id" validate:"required"`
	Kind      string     `yaml:"kind" validate:"required"`
	Namespace string     `yaml:"namespace"`
	DependsOn []string   `yaml:"depends_on" validate:"omitempty,dive,required"`
	Requires  []string   `yaml:"requires" validate:"omitempty,dive,required"`
	Provides  []string   `yaml:"provides" validate:"omitempty,dive,required"`
	Gates     []GateSpec `yaml:"gates" validate:"omitempty,dive"`
	Driver    string     `yaml:"driver" validate:"required"`
	Timeout   Duration   `yaml:"timeout"`
}

// GateSpec is one readiness gate as declared in the plan file.
type GateSpec struct {
	Kind      string `yaml:"kind" validate:"required,oneof=deployment-ready daemonset-ready statefulset-ready crd-established"`
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name" validate:"required"`
}

// FilePlanSource loads the plan from a YAML file. It re-reads the file on
// every load, so daemon-mode plan-change triggers see edits immediately.
type FilePlanSource struct {
	path     string
	validate *validator.Validate
}

// NewFilePlanSource creates a plan source over the given file.
func NewFilePlanSource(path string) *FilePlanSource {
	return &FilePlanSource{
		path:     path,
		validate: validator.New(),
	}
}

// Path returns the plan file path.
func (s *FilePlanSource) Path() string {
	return s.path
}

// LoadPlan implements engine.PlanSource.
func (s *FilePlanSource) LoadPlan(ctx context.Context) ([]engine.Step, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", s.path, err)
	}
	return s.parse(data)
}

// parse decodes and validates a plan document into engine steps.
func (s *FilePlanSource) parse(data []byte) ([]engine.Step, error) {
	var plan PlanFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", s.path, err)
	}

	if err := s.validate.Struct(plan); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", s.path, err)
	}

	steps := make([]engine.Step, 0, len(plan.Steps))
	for _, spec := range plan.Steps {
		step := engine.Step{
			ID:        spec.ID,
			Kind:      spec.Kind,
			Namespace: spec.Namespace,
			DependsOn: spec.DependsOn,
			Requires:  spec.Requires,
			Provides:  spec.Provides,
			Driver:    spec.Driver,
			Timeout:   spec.Timeout.Std(),
		}
		for _, gate := range spec.Gates {
			step.Gates = append(step.Gates, engine.GateSpec{
				Kind:      engine.GateKind(gate.Kind),
				Namespace: gate.Namespace,
				Name:      gate.Name,
			})
		}
		steps = append(steps, step)
	}
	return steps, nil
}
