package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
	"github.com/soaringjerry/Sensora/internal/services"
)

// seedActor is recorded in the audit log for fixture-created rows.
const seedActor = "seed"

type seedFile struct {
	Users  []seedUser  `yaml:"users"`
	Events []seedEvent `yaml:"events"`
}

type seedUser struct {
	Email    string      `yaml:"email"`
	Password string      `yaml:"password"`
	Role     models.Role `yaml:"role"`
	Position int         `yaml:"position"`
}

type seedEvent struct {
	Name         string            `yaml:"name"`
	Date         string            `yaml:"date"`
	Randomize    bool              `yaml:"randomize"`
	Activate     bool              `yaml:"activate"`
	ProductTypes []seedProductType `yaml:"product_types"`
}

type seedProductType struct {
	Name          string       `yaml:"name"`
	DisplayOrder  int          `yaml:"display_order"`
	JARAttributes []string     `yaml:"jar_attributes"`
	Samples       []seedSample `yaml:"samples"`
}

type seedSample struct {
	Brand        string `yaml:"brand"`
	RetailerCode string `yaml:"retailer_code"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load users and events from a YAML fixture",
	Long: `Loads users, events, product types, JAR attributes and samples from a
YAML fixture. Events marked randomize get a randomization table for every
product type; events marked activate are then moved to active.

Existing users (same email) are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sf, err := loadSeed(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		sum, err := applySeed(cmd.Context(), a, sf, log)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d events, %d samples\n", sum.users, sum.events, sum.samples)
		return nil
	},
}

func loadSeed(path string) (*seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &sf, nil
}

type seedSummary struct {
	users, events, samples int
}

func applySeed(ctx context.Context, a *app, sf *seedFile, l *logger.Logger) (seedSummary, error) {
	var sum seedSummary
	for _, u := range sf.Users {
		role := u.Role
		if role == "" {
			role = models.RoleEvaluator
		}
		if _, err := a.users.CreateUser(ctx, u.Email, u.Password, role, u.Position); err != nil {
			if se, ok := services.AsServiceError(err); ok && se.Code == services.ErrorConflict {
				l.Info("seed user exists, skipping", "email", u.Email)
				continue
			}
			return sum, fmt.Errorf("seed user %s: %w", u.Email, err)
		}
		sum.users++
	}

	for _, se := range sf.Events {
		ev, err := a.events.CreateEvent(ctx, seedActor, se.Name, se.Date)
		if err != nil {
			return sum, fmt.Errorf("seed event %q: %w", se.Name, err)
		}
		sum.events++
		var ptIDs []string
		for _, spt := range se.ProductTypes {
			pt, err := a.events.CreateProductType(ctx, seedActor, ev.ID, spt.Name, spt.DisplayOrder, spt.JARAttributes)
			if err != nil {
				return sum, fmt.Errorf("seed product type %q: %w", spt.Name, err)
			}
			ptIDs = append(ptIDs, pt.ID)
			for _, s := range spt.Samples {
				if _, err := a.events.AddSample(ctx, seedActor, pt.ID, s.Brand, s.RetailerCode); err != nil {
					return sum, fmt.Errorf("seed sample %q: %w", s.Brand, err)
				}
				sum.samples++
			}
		}
		if se.Activate && !se.Randomize {
			return sum, errors.New("seed event " + se.Name + ": activate requires randomize")
		}
		if se.Randomize {
			for _, id := range ptIDs {
				if _, err := a.rnd.Generate(ctx, seedActor, id, false); err != nil {
					return sum, fmt.Errorf("randomize %s: %w", id, err)
				}
			}
		}
		if se.Activate {
			if _, err := a.events.UpdateStatus(ctx, seedActor, ev.ID, models.EventActive); err != nil {
				return sum, fmt.Errorf("activate %q: %w", se.Name, err)
			}
		}
		l.Info("seeded event", "event_id", ev.ID, "name", ev.Name, "product_types", len(ptIDs))
	}
	return sum, nil
}
