package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/deployflow/pkg/api"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Seed is the YAML document applied at start-up. Every entry is keyed by
// name (tokens by their secret) and skipped if it already exists.
type Seed struct {
	EnrollmentTokens []SeedToken   `yaml:"enrollment_tokens"`
	Scripts          []SeedScript  `yaml:"scripts"`
	Profiles         []SeedProfile `yaml:"profiles"`
}

type SeedToken struct {
	Label      string `yaml:"label"`
	Token      string `yaml:"token"`
	ExpiresInS int64  `yaml:"expires_in_s"`
}

type SeedScript struct {
	Name         string `yaml:"name"`
	Language     string `yaml:"language"`
	TargetOSType string `yaml:"target_os_type"`
	Content      string `yaml:"content"`
}

type SeedProfile struct {
	Name         string     `yaml:"name"`
	Description  string     `yaml:"description"`
	TargetOSType string     `yaml:"target_os_type"`
	Tasks        []SeedTask `yaml:"tasks"`
}

type SeedTask struct {
	Script     string `yaml:"script"`
	ActionType string `yaml:"action_type"`
	OrderIndex int    `yaml:"order_index"`
}

func loadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// applySeed inserts whatever the seed names that is not already present.
func applySeed(ctx context.Context, db *gorm.DB, hasher TokenHasher, seed *Seed, logger zerolog.Logger) error {
	db = db.WithContext(ctx)

	for _, t := range seed.EnrollmentTokens {
		if t.Token == "" {
			return fmt.Errorf("seed token %q has no secret", t.Label)
		}
		hash := hasher.HashString(t.Token)
		var existing EnrollmentToken
		err := db.Where("token_hash = ?", hash).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("seed token lookup: %w", err)
		}
		record := EnrollmentToken{Label: t.Label, TokenHash: hash}
		if t.ExpiresInS > 0 {
			expiresAt := time.Now().UTC().Add(time.Duration(t.ExpiresInS) * time.Second)
			record.ExpiresAt = &expiresAt
		}
		if err := db.Create(&record).Error; err != nil {
			return fmt.Errorf("seed token %q: %w", t.Label, err)
		}
		logger.Info().Str("label", t.Label).Int64("token_id", record.ID).Msg("Seeded enrollment token")
	}

	scriptIDs := make(map[string]int64)
	for _, sc := range seed.Scripts {
		var existing Script
		err := db.Where("name = ?", sc.Name).First(&existing).Error
		if err == nil {
			scriptIDs[sc.Name] = existing.ID
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("seed script lookup: %w", err)
		}
		created, err := createScript(ctx, db, api.Script{
			Name:         sc.Name,
			Language:     sc.Language,
			TargetOSType: sc.TargetOSType,
			Content:      sc.Content,
		})
		if err != nil {
			return fmt.Errorf("seed script %q: %w", sc.Name, err)
		}
		scriptIDs[sc.Name] = created.ID
		logger.Info().Str("name", sc.Name).Int64("script_id", created.ID).Msg("Seeded script")
	}

	for _, p := range seed.Profiles {
		var count int64
		if err := db.Model(&DeploymentProfile{}).Where("name = ?", p.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("seed profile lookup: %w", err)
		}
		if count > 0 {
			continue
		}
		req := api.Profile{Name: p.Name, Description: p.Description, TargetOSType: p.TargetOSType}
		for _, t := range p.Tasks {
			id, ok := scriptIDs[t.Script]
			if !ok {
				var sc Script
				if err := db.Where("name = ?", t.Script).First(&sc).Error; err != nil {
					return fmt.Errorf("seed profile %q references unknown script %q", p.Name, t.Script)
				}
				id = sc.ID
			}
			req.Tasks = append(req.Tasks, api.ProfileTask{
				OrderIndex: t.OrderIndex,
				ActionType: t.ActionType,
				ScriptID:   id,
			})
		}
		created, err := createProfile(ctx, db, req)
		if err != nil {
			return fmt.Errorf("seed profile %q: %w", p.Name, err)
		}
		logger.Info().Str("name", p.Name).Int64("profile_id", created.ID).Int("tasks", len(created.Tasks)).Msg("Seeded profile")
	}
	return nil
}
