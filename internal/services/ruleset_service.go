package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/snapshot"
)

// Bulk operations accepted by BulkRules.
const (
	BulkEnable  = "enable"
	BulkDisable = "disable"
	BulkAlert   = "alert"
	BulkDrop    = "drop"
	BulkAllow   = "allow"
	BulkReset   = "reset"
)

// refreshConcurrency bounds parallel source updates of one ruleset refresh.
const refreshConcurrency = 4

// RulesetService mutates ruleset selections and overrides. Every mutation flags
// the ruleset as needing a test and bumps its update time. Concurrent edits are
// last-write-wins.
type RulesetService struct {
	db      *gorm.DB
	sources *SourceService
	now     func() time.Time
}

func NewRulesetService(db *gorm.DB, sources *SourceService) *RulesetService {
	return &RulesetService{db: db, sources: sources, now: time.Now}
}

func (s *RulesetService) List() ([]models.Ruleset, error) {
	var list []models.Ruleset
	err := s.db.Order("name").Find(&list).Error
	return list, err
}

// Get loads the ruleset with its selections.
func (s *RulesetService) Get(id uint) (*models.Ruleset, error) {
	var rs models.Ruleset
	err := s.db.Preload("Sources.Source").Preload("Categories").Preload("SuppressedRules").First(&rs, id).Error
	if err != nil {
		return nil, notFound(err, ErrRulesetNotFound)
	}
	return &rs, nil
}

func (s *RulesetService) exists(tx *gorm.DB, id uint) error {
	var count int64
	if err := tx.Model(&models.Ruleset{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrRulesetNotFound
	}
	return nil
}

func (s *RulesetService) Create(rs *models.Ruleset) error {
	rs.Name = strings.TrimSpace(rs.Name)
	if rs.Name == "" {
		return fmt.Errorf("ruleset name is required")
	}
	rs.NeedsTest = true
	return integrity(s.db.Omit("Sources", "Categories", "SuppressedRules").Create(rs).Error, "ruleset", "name")
}

// Rename updates the name and description.
func (s *RulesetService) Rename(id uint, name, descr string) (*models.Ruleset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("ruleset name is required")
	}
	err := s.mutate(id, func(tx *gorm.DB, rs *models.Ruleset) error {
		return tx.Model(rs).Updates(map[string]any{"name": name, "descr": descr}).Error
	})
	if err != nil {
		return nil, integrity(err, "ruleset", "name")
	}
	return s.Get(id)
}

// Delete removes the ruleset and its overrides.
func (s *RulesetService) Delete(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.exists(tx, id); err != nil {
			return err
		}
		rs := &models.Ruleset{ID: id}
		for _, assoc := range []string{"Sources", "Categories", "SuppressedRules"} {
			if err := tx.Model(rs).Association(assoc).Clear(); err != nil {
				return err
			}
		}
		for _, m := range []any{&models.RuleOverride{}, &models.CategoryTransform{}, &models.Threshold{}} {
			if err := tx.Where("ruleset_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(rs).Error
	})
}

// mutate runs fn in a transaction and flags the ruleset.
func (s *RulesetService) mutate(id uint, fn func(tx *gorm.DB, rs *models.Ruleset) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.exists(tx, id); err != nil {
			return err
		}
		rs := &models.Ruleset{ID: id}
		if err := fn(tx, rs); err != nil {
			return err
		}
		return touchRulesets(tx, []uint{id}, s.now())
	})
}

func loadRules(tx *gorm.DB, ids []uint) ([]models.Rule, error) {
	var rules []models.Rule
	if err := tx.Where("id IN ?", ids).Find(&rules).Error; err != nil {
		return nil, err
	}
	if len(rules) != len(ids) {
		return nil, ErrRuleNotFound
	}
	return rules, nil
}

func upsertOverride(tx *gorm.DB, o models.RuleOverride, columns ...string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ruleset_id"}, {Name: "rule_id"}},
		DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
	}).Create(&o).Error
}

func enableRules(tx *gorm.DB, rs *models.Ruleset, rules []models.Rule) error {
	if err := tx.Model(rs).Association("SuppressedRules").Delete(rules); err != nil {
		return err
	}
	for _, r := range rules {
		if err := upsertOverride(tx, models.RuleOverride{RulesetID: rs.ID, RuleID: r.ID, Enabled: true}, "enabled"); err != nil {
			return err
		}
	}
	return nil
}

func disableRules(tx *gorm.DB, rs *models.Ruleset, rules []models.Rule) error {
	if err := tx.Model(rs).Association("SuppressedRules").Append(rules); err != nil {
		return err
	}
	ids := make([]uint, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	return tx.Model(&models.RuleOverride{}).Where("ruleset_id = ? AND rule_id IN ?", rs.ID, ids).Update("enabled", false).Error
}

func transformRules(tx *gorm.DB, rs *models.Ruleset, rules []models.Rule, action string) error {
	for _, r := range rules {
		if err := upsertOverride(tx, models.RuleOverride{RulesetID: rs.ID, RuleID: r.ID, Action: action}, "action"); err != nil {
			return err
		}
	}
	return nil
}

// EnableRule removes the rule from the suppressed set and records an explicit
// enable so the rule stays included.
func (s *RulesetService) EnableRule(rulesetID, ruleID uint) error {
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		rules, err := loadRules(tx, []uint{ruleID})
		if err != nil {
			return err
		}
		return enableRules(tx, rs, rules)
	})
}

// DisableRule suppresses the rule and clears any explicit enable.
func (s *RulesetService) DisableRule(rulesetID, ruleID uint) error {
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		rules, err := loadRules(tx, []uint{ruleID})
		if err != nil {
			return err
		}
		return disableRules(tx, rs, rules)
	})
}

// TransformRule sets the rule-level action; an empty action removes it.
func (s *RulesetService) TransformRule(rulesetID, ruleID uint, action string) error {
	if !models.ValidAction(action) {
		return ErrInvalidAction
	}
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		rules, err := loadRules(tx, []uint{ruleID})
		if err != nil {
			return err
		}
		return transformRules(tx, rs, rules, action)
	})
}

// BulkRules applies one operation to many rules at once.
func (s *RulesetService) BulkRules(rulesetID uint, op string, ruleIDs []uint) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		rules, err := loadRules(tx, ruleIDs)
		if err != nil {
			return err
		}
		switch op {
		case BulkEnable:
			return enableRules(tx, rs, rules)
		case BulkDisable:
			return disableRules(tx, rs, rules)
		case BulkAlert, BulkDrop, BulkAllow:
			return transformRules(tx, rs, rules, op)
		case BulkReset:
			return transformRules(tx, rs, rules, models.ActionNone)
		default:
			return ErrInvalidBulkOp
		}
	})
}

// SetSources replaces the selected sources with their HEAD versions and drops
// categories of sources no longer selected.
func (s *RulesetService) SetSources(rulesetID uint, sourceIDs []uint) error {
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		var versions []models.SourceAtVersion
		if len(sourceIDs) > 0 {
			if err := tx.Where("source_id IN ? AND version = ?", sourceIDs, models.HeadVersion).Find(&versions).Error; err != nil {
				return err
			}
			if len(versions) != len(sourceIDs) {
				return ErrSourceNotFound
			}
		}
		if err := tx.Model(rs).Omit("Sources.*").Association("Sources").Replace(versions); err != nil {
			return err
		}

		var keep []models.Category
		if err := tx.Model(rs).Association("Categories").Find(&keep, "source_id IN ?", append(sourceIDs, 0)); err != nil {
			return err
		}
		return tx.Model(rs).Association("Categories").Replace(keep)
	})
}

// SetCategories replaces the selected categories. Categories must belong to a
// selected source.
func (s *RulesetService) SetCategories(rulesetID uint, categoryIDs []uint) error {
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		categories, err := s.selectableCategories(tx, rulesetID, categoryIDs)
		if err != nil {
			return err
		}
		return tx.Model(rs).Association("Categories").Replace(categories)
	})
}

// EnableCategory adds one category to the selection.
func (s *RulesetService) EnableCategory(rulesetID, categoryID uint) error {
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		categories, err := s.selectableCategories(tx, rulesetID, []uint{categoryID})
		if err != nil {
			return err
		}
		return tx.Model(rs).Association("Categories").Append(categories)
	})
}

// DisableCategory removes one category from the selection.
func (s *RulesetService) DisableCategory(rulesetID, categoryID uint) error {
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		cat := models.Category{ID: categoryID}
		return tx.Model(rs).Association("Categories").Delete(&cat)
	})
}

// TransformCategory sets the action applied to every rule of the category.
func (s *RulesetService) TransformCategory(rulesetID, categoryID uint, action string) error {
	if !models.ValidAction(action) {
		return ErrInvalidAction
	}
	return s.mutate(rulesetID, func(tx *gorm.DB, rs *models.Ruleset) error {
		var cat models.Category
		if err := tx.First(&cat, categoryID).Error; err != nil {
			return notFound(err, ErrCategoryNotFound)
		}
		if action == models.ActionNone {
			return tx.Where("ruleset_id = ? AND category_id = ?", rulesetID, categoryID).Delete(&models.CategoryTransform{}).Error
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ruleset_id"}, {Name: "category_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"action", "updated_at"}),
		}).Create(&models.CategoryTransform{RulesetID: rulesetID, CategoryID: categoryID, Action: action}).Error
	})
}

func (s *RulesetService) selectableCategories(tx *gorm.DB, rulesetID uint, ids []uint) ([]models.Category, error) {
	var categories []models.Category
	if len(ids) == 0 {
		return categories, nil
	}
	selected := tx.Table("ruleset_sources").
		Select("source_at_versions.source_id").
		Joins("JOIN source_at_versions ON source_at_versions.id = ruleset_sources.source_at_version_id").
		Where("ruleset_sources.ruleset_id = ?", rulesetID)
	if err := tx.Where("id IN ? AND source_id IN (?)", ids, selected).Find(&categories).Error; err != nil {
		return nil, err
	}
	if len(categories) != len(ids) {
		return nil, fmt.Errorf("%w: category missing or its source is not selected", ErrCategoryNotFound)
	}
	return categories, nil
}

// Copy duplicates a ruleset with its selections, suppressions, overrides and thresholds.
func (s *RulesetService) Copy(id uint, name string) (*models.Ruleset, error) {
	src, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	dup := &models.Ruleset{Name: strings.TrimSpace(name), Descr: src.Descr, NeedsTest: true}
	if dup.Name == "" {
		return nil, fmt.Errorf("ruleset name is required")
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Sources", "Categories", "SuppressedRules").Create(dup).Error; err != nil {
			return integrity(err, "ruleset", "name")
		}
		if len(src.Sources) > 0 {
			if err := tx.Model(dup).Omit("Sources.*").Association("Sources").Append(src.Sources); err != nil {
				return err
			}
		}
		if len(src.Categories) > 0 {
			if err := tx.Model(dup).Omit("Categories.*").Association("Categories").Append(src.Categories); err != nil {
				return err
			}
		}
		if len(src.SuppressedRules) > 0 {
			if err := tx.Model(dup).Omit("SuppressedRules.*").Association("SuppressedRules").Append(src.SuppressedRules); err != nil {
				return err
			}
		}

		var overrides []models.RuleOverride
		if err := tx.Where("ruleset_id = ?", id).Find(&overrides).Error; err != nil {
			return err
		}
		for i := range overrides {
			overrides[i].ID, overrides[i].RulesetID = 0, dup.ID
		}
		var transforms []models.CategoryTransform
		if err := tx.Where("ruleset_id = ?", id).Find(&transforms).Error; err != nil {
			return err
		}
		for i := range transforms {
			transforms[i].ID, transforms[i].RulesetID = 0, dup.ID
		}
		var thresholds []models.Threshold
		if err := tx.Where("ruleset_id = ?", id).Find(&thresholds).Error; err != nil {
			return err
		}
		for i := range thresholds {
			thresholds[i].ID, thresholds[i].UUID, thresholds[i].RulesetID = 0, "", dup.ID
		}

		for _, batch := range []any{&overrides, &transforms, &thresholds} {
			if err := tx.CreateInBatches(batch, 200).Error; err != nil && err != gorm.ErrEmptySlice {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(dup.ID)
}

// UpdateSources refreshes every source selected by the ruleset in parallel.
// One failing source never stops the others; every source gets an entry in the
// result and the failures are joined into the returned error.
func (s *RulesetService) UpdateSources(ctx context.Context, id uint) (map[string]*UpdateResult, error) {
	rs, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	results := make(map[string]*UpdateResult, len(rs.Sources))
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)
	for _, sav := range rs.Sources {
		sourceID, name := sav.SourceID, sav.Source.Name
		g.Go(func() error {
			res, err := s.sources.Update(ctx, sourceID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = &UpdateResult{Source: name, Error: err.Error()}
				errs = append(errs, fmt.Errorf("update source %q: %w", name, err))
				return nil
			}
			results[name] = res
			return nil
		})
	}
	_ = g.Wait()

	logger.Log().WithFields(logrus.Fields{
		"ruleset": rs.Name,
		"sources": len(rs.Sources),
		"failed":  len(errs),
	}).Info("Ruleset sources refreshed")
	return results, errors.Join(errs...)
}

// ChangelogEntry is the latest change of one selected source.
type ChangelogEntry struct {
	Source string               `json:"source"`
	Update *models.SourceUpdate `json:"update"`
	Diff   snapshot.Diff        `json:"diff"`
}

// Changelog returns the latest snapshot diff of each selected source.
func (s *RulesetService) Changelog(id uint) ([]ChangelogEntry, error) {
	rs, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	out := []ChangelogEntry{}
	for _, sav := range rs.Sources {
		head, err := s.sources.Head(sav.SourceID)
		if err != nil {
			return nil, err
		}
		if head == nil {
			continue
		}
		diff, err := s.sources.DiffUpdate(head.UUID)
		if err != nil {
			return nil, err
		}
		out = append(out, ChangelogEntry{Source: sav.Source.Name, Update: head, Diff: diff})
	}
	return out, nil
}

// MarkTested clears the needs-test flag after a successful test run.
func (s *RulesetService) MarkTested(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.exists(tx, id); err != nil {
			return err
		}
		return tx.Model(&models.Ruleset{}).Where("id = ?", id).
			Updates(map[string]any{"needs_test": false, "last_tested_at": s.now()}).Error
	})
}
