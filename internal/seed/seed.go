// Package seed loads a declarative YAML file of services and checks into the
// store at startup. Intended for development setups and first boots against
// an empty database.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vigil-io/vigil/internal/monitor"
)

// ErrInvalidSeed is returned for structurally invalid seed files.
var ErrInvalidSeed = errors.New("invalid seed file")

// File is the root of a seed document.
type File struct {
	Services []Service `yaml:"services"`
}

// Service declares one service and its checks.
type Service struct {
	Name   string  `yaml:"name"`
	Checks []Check `yaml:"checks"`
}

// Check declares one check. Data is the kind-specific configuration mapping,
// stored as the check's JSON blob.
type Check struct {
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Target   string         `yaml:"target"`
	Interval int64          `yaml:"interval_seconds"`
	Disabled bool           `yaml:"disabled"`
	Data     map[string]any `yaml:"data"`
}

// Load parses a seed file from disk.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	for _, service := range file.Services {
		if service.Name == "" {
			return nil, fmt.Errorf("%w: service without a name", ErrInvalidSeed)
		}

		for _, check := range service.Checks {
			if check.Name == "" || check.Kind == "" {
				return nil, fmt.Errorf("%w: check in service %q needs name and kind",
					ErrInvalidSeed, service.Name)
			}

			if check.Interval <= 0 {
				return nil, fmt.Errorf("%w: check %q needs a positive interval_seconds",
					ErrInvalidSeed, check.Name)
			}
		}
	}

	return &file, nil
}

// Apply inserts the seed's services and checks. Services already present by
// name are reused rather than duplicated; checks are matched by name within
// their service and skipped when present, so re-running with the same seed
// file is idempotent.
func Apply(ctx context.Context, store monitor.Store, file *File, logger *slog.Logger) error {
	existing, err := store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	byName := make(map[string]monitor.Service, len(existing))
	for _, service := range existing {
		byName[service.Name] = service
	}

	for _, declared := range file.Services {
		service, ok := byName[declared.Name]
		if !ok {
			service = monitor.Service{Name: declared.Name}
			if err := store.AddService(ctx, &service); err != nil {
				return fmt.Errorf("add service %q: %w", declared.Name, err)
			}

			byName[declared.Name] = service
		}

		current, err := store.ListChecksByService(ctx, service.ID)
		if err != nil {
			return fmt.Errorf("list checks for service %q: %w", declared.Name, err)
		}

		present := make(map[string]bool, len(current))
		for _, check := range current {
			present[check.Name] = true
		}

		for _, declaredCheck := range declared.Checks {
			if present[declaredCheck.Name] {
				continue
			}

			var data json.RawMessage

			if len(declaredCheck.Data) > 0 {
				encoded, err := json.Marshal(declaredCheck.Data)
				if err != nil {
					return fmt.Errorf("encode data for check %q: %w", declaredCheck.Name, err)
				}

				data = encoded
			}

			check := monitor.Check{
				ServiceID: service.ID,
				Name:      declaredCheck.Name,
				Kind:      monitor.CheckKind(declaredCheck.Kind),
				Target:    declaredCheck.Target,
				Interval:  declaredCheck.Interval,
				Disabled:  declaredCheck.Disabled,
				Data:      data,
			}

			if err := store.AddCheck(ctx, &check); err != nil {
				return fmt.Errorf("add check %q: %w", declaredCheck.Name, err)
			}

			logger.Info("seeded check",
				slog.String("service", declared.Name),
				slog.String("check", declaredCheck.Name),
				slog.String("kind", declaredCheck.Kind),
			)
		}
	}

	return nil
}
