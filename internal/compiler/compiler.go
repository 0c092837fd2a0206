package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/metrics"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/probe"
)

var (
	ErrRulesetNotFound = errors.New("ruleset not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrSourceNotFound  = errors.New("source not found")
)

// Compiler derives compiled documents from the persisted selections of a
// ruleset. Nothing it produces is stored.
type Compiler struct {
	db        *gorm.DB
	validator Validator
	backend   probe.Backend
	now       func() time.Time
}

// New returns a Compiler. Nil validator and backend fall back to the null implementations.
func New(db *gorm.DB, validator Validator, backend probe.Backend) *Compiler {
	if validator == nil {
		validator = NullValidator{}
	}
	if backend == nil {
		backend = probe.Null{}
	}
	return &Compiler{db: db, validator: validator, backend: backend, now: time.Now}
}

// Validator returns the configured validator.
func (c *Compiler) Validator() Validator { return c.validator }

// Backend returns the configured probe backend.
func (c *Compiler) Backend() probe.Backend { return c.backend }

func (c *Compiler) load(ctx context.Context, rulesetID uint) (*models.Ruleset, Input, error) {
	db := c.db.WithContext(ctx)

	var rs models.Ruleset
	err := db.Preload("Sources").Preload("Categories").Preload("SuppressedRules").First(&rs, rulesetID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Input{}, ErrRulesetNotFound
		}
		return nil, Input{}, fmt.Errorf("load ruleset: %w", err)
	}

	in := Input{
		Categories:         make(map[uint]bool),
		CategoryTransforms: make(map[uint]string),
		Overrides:          make(map[uint]models.RuleOverride),
		Suppressed:         make(map[uint]bool),
	}

	selected := make(map[uint]bool, len(rs.Sources))
	for _, s := range rs.Sources {
		selected[s.SourceID] = true
	}
	var categoryIDs []uint
	for _, cat := range rs.Categories {
		if selected[cat.SourceID] {
			in.Categories[cat.ID] = true
			categoryIDs = append(categoryIDs, cat.ID)
		}
	}
	if len(categoryIDs) > 0 {
		if err := db.Where("category_id IN ?", categoryIDs).Find(&in.Rules).Error; err != nil {
			return nil, Input{}, fmt.Errorf("load rules: %w", err)
		}
	}

	var overrides []models.RuleOverride
	if err := db.Where("ruleset_id = ?", rs.ID).Find(&overrides).Error; err != nil {
		return nil, Input{}, fmt.Errorf("load overrides: %w", err)
	}
	for _, o := range overrides {
		in.Overrides[o.RuleID] = o
	}

	var transforms []models.CategoryTransform
	if err := db.Where("ruleset_id = ?", rs.ID).Find(&transforms).Error; err != nil {
		return nil, Input{}, fmt.Errorf("load category transforms: %w", err)
	}
	for _, t := range transforms {
		in.CategoryTransforms[t.CategoryID] = t.Action
	}

	for _, r := range rs.SuppressedRules {
		in.Suppressed[r.ID] = true
	}

	if err := db.Where("ruleset_id = ?", rs.ID).Order("id").Find(&in.Thresholds).Error; err != nil {
		return nil, Input{}, fmt.Errorf("load thresholds: %w", err)
	}
	return &rs, in, nil
}

// Generate returns the effective rules of the ruleset ordered by sid.
func (c *Compiler) Generate(ctx context.Context, rulesetID uint) ([]EffectiveRule, error) {
	_, in, err := c.load(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	return Resolve(in), nil
}

// Compile renders the ruleset into its rules and threshold documents.
func (c *Compiler) Compile(ctx context.Context, rulesetID uint) (_ *models.Ruleset, _ Document, err error) {
	start := time.Now()
	defer func() { metrics.ObserveCompilation(start, err) }()

	rs, in, err := c.load(ctx, rulesetID)
	if err != nil {
		return nil, Document{}, err
	}
	rules := Resolve(in)
	doc := Render(rs.Name, c.now(), rules, RulesetWide(in.Thresholds))

	logger.Log().WithFields(logrus.Fields{
		"ruleset":  rs.Name,
		"rules":    len(rules),
		"duration": time.Since(start).String(),
	}).Debug("Ruleset compiled")
	return rs, doc, nil
}

// ToBuffer returns the downloadable document.
func (c *Compiler) ToBuffer(ctx context.Context, rulesetID uint) ([]byte, error) {
	_, doc, err := c.Compile(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	return doc.Bytes(), nil
}

// Test validates the compiled ruleset. It does not touch stored state.
func (c *Compiler) Test(ctx context.Context, rulesetID uint) (*TestResult, error) {
	rs, doc, err := c.Compile(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	res, err := c.validator.Validate(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("test ruleset %q: %w", rs.Name, err)
	}
	logger.Log().WithFields(logrus.Fields{
		"ruleset":   rs.Name,
		"validator": res.Validator,
		"status":    res.Status,
		"errors":    len(res.Errors),
	}).Info("Ruleset tested")
	return res, nil
}

// TestRule validates a single rule as it would be emitted by the ruleset
// (transforms and thresholds applied). A zero rulesetID tests the rule as imported.
func (c *Compiler) TestRule(ctx context.Context, ruleID, rulesetID uint) (*TestResult, error) {
	var rule models.Rule
	if err := c.db.WithContext(ctx).First(&rule, ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("load rule: %w", err)
	}

	name := fmt.Sprintf("sid-%d", rule.SID)
	in := Input{}
	if rulesetID != 0 {
		rs, loaded, err := c.load(ctx, rulesetID)
		if err != nil {
			return nil, err
		}
		name = rs.Name
		in = loaded
	}
	rule.State, rule.Stale = true, false
	in.Rules = []models.Rule{rule}
	in.Categories = map[uint]bool{rule.CategoryID: true}
	in.Suppressed = nil

	doc := Render(name, c.now(), Resolve(in), nil)
	return c.validator.Validate(ctx, doc)
}

// TestSource validates the available rules of a source's HEAD, every
// category included and no ruleset modifications applied.
func (c *Compiler) TestSource(ctx context.Context, sourceID uint) (*TestResult, error) {
	db := c.db.WithContext(ctx)

	var src models.Source
	if err := db.First(&src, sourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("load source: %w", err)
	}

	var categories []models.Category
	if err := db.Where("source_id = ?", src.ID).Find(&categories).Error; err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	in := Input{Categories: make(map[uint]bool, len(categories))}
	ids := make([]uint, 0, len(categories))
	for _, cat := range categories {
		in.Categories[cat.ID] = true
		ids = append(ids, cat.ID)
	}
	if len(ids) > 0 {
		if err := db.Where("category_id IN ? AND state = ? AND stale = ?", ids, true, false).Find(&in.Rules).Error; err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
	}

	rules := Resolve(in)
	res, err := c.validator.Validate(ctx, Render(src.Name, c.now(), rules, nil))
	if err != nil {
		return nil, fmt.Errorf("test source %q: %w", src.Name, err)
	}
	logger.Log().WithFields(logrus.Fields{
		"source":    src.Name,
		"rules":     len(rules),
		"validator": res.Validator,
		"status":    res.Status,
	}).Info("Source tested")
	return res, nil
}

// Deploy pushes the compiled ruleset to every probe of the backend.
func (c *Compiler) Deploy(ctx context.Context, rulesetID uint) (*probe.Deployment, error) {
	rs, doc, err := c.Compile(ctx, rulesetID)
	if err != nil {
		return nil, err
	}
	dep, err := c.backend.Deploy(ctx, fileSafe(rs.Name), doc.Rules, doc.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("deploy ruleset %q: %w", rs.Name, err)
	}
	logger.Log().WithFields(logrus.Fields{
		"ruleset": rs.Name,
		"backend": dep.Backend,
		"probes":  len(dep.Probes),
		"failed":  len(dep.Failed),
	}).Info("Ruleset deployed")
	return dep, nil
}

func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
