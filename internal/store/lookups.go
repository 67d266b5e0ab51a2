package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	LookupDealStage  = "deal_stage"
	LookupLeadSource = "lead_source"
	LookupIndustry   = "industry"
)

// DefaultDealStage is used when no active deal_stage lookup exists.
const DefaultDealStage = "qualification"

func (s *PostgresStore) ListLookups(ctx context.Context, category string, includeInactive bool) ([]LookupValue, error) {
	values := []LookupValue{}
	err := s.conn(ctx).SelectContext(ctx, &values, `
		SELECT id, category, code, label, sort_order, is_active
		FROM lookup_values
		WHERE category = $1 AND (is_active OR $2)
		ORDER BY sort_order, id
	`, category, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list lookups: %w", classify(err))
	}
	return values, nil
}

func (s *PostgresStore) UpsertLookup(ctx context.Context, value LookupValue) (LookupValue, error) {
	var saved LookupValue
	err := s.conn(ctx).GetContext(ctx, &saved, `
		INSERT INTO lookup_values (category, code, label, sort_order, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (category, code) DO UPDATE
			SET label = EXCLUDED.label, sort_order = EXCLUDED.sort_order, is_active = EXCLUDED.is_active
		RETURNING id, category, code, label, sort_order, is_active
	`, value.Category, value.Code, value.Label, value.SortOrder, value.IsActive)
	if err != nil {
		return LookupValue{}, fmt.Errorf("upsert lookup: %w", classify(err))
	}
	return saved, nil
}

// FirstDealStage returns the lowest-ordered active deal stage.
func (s *PostgresStore) FirstDealStage(ctx context.Context) (string, error) {
	var code string
	err := s.conn(ctx).QueryRowxContext(ctx, `
		SELECT code FROM lookup_values
		WHERE category = $1 AND is_active
		ORDER BY sort_order, id
		LIMIT 1
	`, LookupDealStage).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultDealStage, nil
	}
	if err != nil {
		return "", fmt.Errorf("first deal stage: %w", classify(err))
	}
	return code, nil
}

type seedEntry struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
	Order int    `yaml:"order"`
}

// LoadLookupSeed parses a category -> entries YAML file.
func LoadLookupSeed(path string) ([]LookupValue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lookup seed: %w", err)
	}
	var doc map[string][]seedEntry
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse lookup seed: %w", err)
	}

	categories := make([]string, 0, len(doc))
	for category := range doc {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var values []LookupValue
	for _, category := range categories {
		for _, entry := range doc[category] {
			if entry.Code == "" {
				return nil, fmt.Errorf("lookup seed %s: entry without code", category)
			}
			label := entry.Label
			if label == "" {
				label = entry.Code
			}
			values = append(values, LookupValue{
				Category:  category,
				Code:      entry.Code,
				Label:     label,
				SortOrder: entry.Order,
				IsActive:  true,
			})
		}
	}
	return values, nil
}

// SeedLookups inserts values that do not exist yet; existing rows keep
// their edited labels and order.
func (s *PostgresStore) SeedLookups(ctx context.Context, values []LookupValue) (int, error) {
	inserted := 0
	err := s.InTx(ctx, func(ctx context.Context) error {
		for _, value := range values {
			result, err := s.conn(ctx).ExecContext(ctx, `
				INSERT INTO lookup_values (category, code, label, sort_order, is_active)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (category, code) DO NOTHING
			`, value.Category, value.Code, value.Label, value.SortOrder, value.IsActive)
			if err != nil {
				return fmt.Errorf("seed lookup %s/%s: %w", value.Category, value.Code, classify(err))
			}
			if n, err := result.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
