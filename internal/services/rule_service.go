package services

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/ruleparser"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// RuleQuery filters a rule listing. Text matches msg and content.
type RuleQuery struct {
	Text       string
	SourceID   uint
	CategoryID uint
	Available  *bool
	Page       int
	PageSize   int
}

// RulePage is one page of a rule listing.
type RulePage struct {
	Rules    []models.Rule `json:"rules"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// SearchResult groups a free text search across rules, categories and rulesets.
type SearchResult struct {
	Rules      []models.Rule     `json:"rules"`
	Categories []models.Category `json:"categories"`
	Rulesets   []models.Ruleset  `json:"rulesets"`
}

// RulesetStatus is how one rule ends up in one ruleset.
type RulesetStatus struct {
	RulesetID    uint   `json:"ruleset_id"`
	Ruleset      string `json:"ruleset"`
	Active       bool   `json:"active"`
	Action       string `json:"action,omitempty"`
	Transform    string `json:"transform,omitempty"`
	From         string `json:"transform_from,omitempty"`
	HasThreshold bool   `json:"has_threshold"`
}

// RuleService is the read side over imported rules plus the availability toggle.
type RuleService struct {
	db       *gorm.DB
	compiler *compiler.Compiler
	now      func() time.Time
}

func NewRuleService(db *gorm.DB, comp *compiler.Compiler) *RuleService {
	return &RuleService{db: db, compiler: comp, now: time.Now}
}

func (s *RuleService) Get(id uint) (*models.Rule, error) {
	var rule models.Rule
	if err := s.db.Joins("Category").First(&rule, id).Error; err != nil {
		return nil, notFound(err, ErrRuleNotFound)
	}
	return &rule, nil
}

// GetBySID looks a rule up by its signature id.
func (s *RuleService) GetBySID(sid int64) (*models.Rule, error) {
	var rule models.Rule
	if err := s.db.Joins("Category").Where("rules.sid = ?", sid).First(&rule).Error; err != nil {
		return nil, notFound(err, ErrRuleNotFound)
	}
	return &rule, nil
}

func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return "%" + r.Replace(text) + "%"
}

// List pages through rules ordered by sid.
func (s *RuleService) List(q RuleQuery) (*RulePage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	q.PageSize = min(q.PageSize, maxPageSize)

	filtered := func() *gorm.DB {
		tx := s.db.Model(&models.Rule{})
		if text := strings.TrimSpace(q.Text); text != "" {
			p := likePattern(text)
			tx = tx.Where(`(rules.msg LIKE ? ESCAPE '\' OR rules.content LIKE ? ESCAPE '\')`, p, p)
		}
		if q.SourceID != 0 {
			tx = tx.Where("rules.category_id IN (?)", s.db.Model(&models.Category{}).Select("id").Where("source_id = ?", q.SourceID))
		}
		if q.CategoryID != 0 {
			tx = tx.Where("rules.category_id = ?", q.CategoryID)
		}
		if q.Available != nil {
			if *q.Available {
				tx = tx.Where("rules.state = ? AND rules.stale = ?", true, false)
			} else {
				tx = tx.Where("(rules.state = ? OR rules.stale = ?)", false, true)
			}
		}
		return tx
	}

	page := &RulePage{Rules: []models.Rule{}, Page: q.Page, PageSize: q.PageSize}
	if err := filtered().Count(&page.Total).Error; err != nil {
		return nil, err
	}
	err := filtered().Joins("Category").Order("rules.sid").Offset((q.Page - 1) * q.PageSize).Limit(q.PageSize).Find(&page.Rules).Error
	return page, err
}

// Search matches text against rules, category names and ruleset names.
func (s *RuleService) Search(text string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	res := &SearchResult{Rules: []models.Rule{}, Categories: []models.Category{}, Rulesets: []models.Ruleset{}}
	text = strings.TrimSpace(text)
	if text == "" {
		return res, nil
	}
	page, err := s.List(RuleQuery{Text: text, PageSize: limit})
	if err != nil {
		return nil, err
	}
	res.Rules = page.Rules

	p := likePattern(text)
	if err := s.db.Where(`name LIKE ? ESCAPE '\'`, p).Order("name").Limit(limit).Find(&res.Categories).Error; err != nil {
		return nil, err
	}
	if err := s.db.Where(`name LIKE ? ESCAPE '\' OR descr LIKE ? ESCAPE '\'`, p, p).Order("name").Limit(limit).Find(&res.Rulesets).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// Categories lists the categories of a source, or all of them for sourceID 0.
func (s *RuleService) Categories(sourceID uint) ([]models.Category, error) {
	var categories []models.Category
	tx := s.db.Order("source_id, name")
	if sourceID != 0 {
		tx = tx.Where("source_id = ?", sourceID)
	}
	err := tx.Find(&categories).Error
	return categories, err
}

// FlowbitGroup returns the other rules that share a flowbit key with the rule.
// Enabling one member never cascades to the others; the group is informational.
func (s *RuleService) FlowbitGroup(id uint) ([]models.Rule, error) {
	rule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	keys := rule.FlowbitKeys()
	out := []models.Rule{}
	if len(keys) == 0 {
		return out, nil
	}

	tx := s.db.Where("id <> ?", rule.ID)
	cond := s.db
	for i, k := range keys {
		if i == 0 {
			cond = cond.Where(`flowbits LIKE ? ESCAPE '\'`, likePattern(k))
			continue
		}
		cond = cond.Or(`flowbits LIKE ? ESCAPE '\'`, likePattern(k))
	}
	var candidates []models.Rule
	if err := tx.Where(cond).Order("sid").Find(&candidates).Error; err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	for _, c := range candidates {
		for _, k := range c.FlowbitKeys() {
			if want[k] {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// SetAvailability flips the imported state of a rule. Rulesets selecting its
// category are flagged for re-testing.
func (s *RuleService) SetAvailability(id uint, state bool) (*models.Rule, error) {
	rule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Rule{ID: rule.ID}).Update("state", state).Error; err != nil {
			return err
		}
		var affected []uint
		if err := tx.Table("ruleset_categories").Where("category_id = ?", rule.CategoryID).
			Distinct().Pluck("ruleset_id", &affected).Error; err != nil {
			return err
		}
		return touchRulesets(tx, affected, s.now())
	})
	if err != nil {
		return nil, err
	}
	rule.State = state
	return rule, nil
}

// References returns the display links of a rule.
func (s *RuleService) References(id uint) ([]ruleparser.Reference, error) {
	rule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	refs := ruleparser.References(rule.Content)
	if refs == nil {
		refs = []ruleparser.Reference{}
	}
	return refs, nil
}

// Status reports for every ruleset whether the rule is emitted and with which action.
func (s *RuleService) Status(ctx context.Context, id uint) ([]RulesetStatus, error) {
	rule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var rulesets []models.Ruleset
	if err := s.db.WithContext(ctx).Order("name").Find(&rulesets).Error; err != nil {
		return nil, err
	}

	out := make([]RulesetStatus, 0, len(rulesets))
	for _, rs := range rulesets {
		st := RulesetStatus{RulesetID: rs.ID, Ruleset: rs.Name}
		effective, err := s.compiler.Generate(ctx, rs.ID)
		if err != nil {
			return nil, err
		}
		for _, eff := range effective {
			if eff.Rule.ID != rule.ID {
				continue
			}
			st.Active = true
			st.Action = eff.Action
			st.Transform = eff.Transform
			st.From = eff.From
			st.HasThreshold = len(eff.Thresholds) > 0
			break
		}
		out = append(out, st)
	}
	return out, nil
}
