package services

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/metrics"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/threshold"
)

// ThresholdPreview lists stored thresholds relevant to a candidate.
type ThresholdPreview struct {
	Containing  []models.Threshold `json:"containing"`
	Covered     []models.Threshold `json:"covered"`
	Overlapping []models.Threshold `json:"overlapping"`
}

// ThresholdService stores thresholds and suppressions. Inserts for the same
// target and kind are serialized so two redundant candidates cannot both pass
// the containment check.
type ThresholdService struct {
	db    *gorm.DB
	locks *KeyedMutex
	now   func() time.Time
}

func NewThresholdService(db *gorm.DB) *ThresholdService {
	return &ThresholdService{db: db, locks: NewKeyedMutex(), now: time.Now}
}

func lockKey(t *models.Threshold) string {
	target := "*"
	if t.RuleID != nil {
		target = fmt.Sprint(*t.RuleID)
	}
	return fmt.Sprintf("%d/%s/%s", t.RulesetID, target, t.ThresholdType)
}

func (s *ThresholdService) Get(uuid string) (*models.Threshold, error) {
	var t models.Threshold
	if err := s.db.Where("uuid = ?", uuid).First(&t).Error; err != nil {
		return nil, notFound(err, ErrThresholdNotFound)
	}
	return &t, nil
}

// List returns the thresholds of a ruleset. A non-nil ruleID narrows to one rule.
func (s *ThresholdService) List(rulesetID uint, ruleID *uint) ([]models.Threshold, error) {
	var list []models.Threshold
	tx := s.db.Where("ruleset_id = ?", rulesetID)
	if ruleID != nil {
		tx = tx.Where("rule_id = ?", *ruleID)
	}
	err := tx.Order("id").Find(&list).Error
	return list, err
}

// prepare validates t and resolves its gid from the target rule.
func (s *ThresholdService) prepare(tx *gorm.DB, t *models.Threshold) (int64, error) {
	if err := threshold.Validate(t.Directive(0)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	var count int64
	if err := tx.Model(&models.Ruleset{}).Where("id = ?", t.RulesetID).Count(&count).Error; err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, ErrRulesetNotFound
	}
	if t.RuleID == nil {
		if t.GID == 0 {
			t.GID = 1
		}
		return 0, nil
	}
	var rule models.Rule
	if err := tx.First(&rule, *t.RuleID).Error; err != nil {
		return 0, notFound(err, ErrRuleNotFound)
	}
	t.GID = rule.GID
	return rule.SID, nil
}

// siblings loads thresholds sharing the target and kind of t, except t itself.
func siblings(tx *gorm.DB, t *models.Threshold) ([]models.Threshold, error) {
	q := tx.Where("ruleset_id = ? AND threshold_type = ?", t.RulesetID, t.ThresholdType)
	if t.RuleID == nil {
		q = q.Where("rule_id IS NULL")
	} else {
		q = q.Where("rule_id = ?", *t.RuleID)
	}
	if t.ID != 0 {
		q = q.Where("id <> ?", t.ID)
	}
	var list []models.Threshold
	err := q.Order("id").Find(&list).Error
	return list, err
}

// redundancy returns the first stored threshold that either makes t redundant
// or would be made redundant by t. covers is true in the second case.
func redundancy(existing []models.Threshold, t *models.Threshold) (by *models.Threshold, covers bool, err error) {
	candidate, err := t.Scope()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	for i := range existing {
		scope, err := existing[i].Scope()
		if err != nil {
			logger.Log().WithError(err).WithField("threshold", existing[i].UUID).Warn("Skipping stored threshold with unparsable network")
			continue
		}
		if threshold.Contains(scope, candidate) {
			return &existing[i], false, nil
		}
		if threshold.Contains(candidate, scope) {
			return &existing[i], true, nil
		}
	}
	return nil, false, nil
}

func conflict(sid int64, by *models.Threshold, covers bool) error {
	metrics.IncThresholdConflict()
	verb := "already covered by"
	if covers {
		verb = "would cover"
	}
	detail := fmt.Sprintf("%s %s %s", verb, by.ThresholdType, by.UUID)
	if by.Net != "" {
		detail += " on " + by.Net
	}
	return &rerrors.ConflictError{Kind: rerrors.ConflictThresholdScope, SID: sid, Detail: detail}
}

// Create stores t unless it and an existing threshold of the same target and
// kind contain one another in either direction.
func (s *ThresholdService) Create(t *models.Threshold) error {
	unlock := s.locks.Lock(lockKey(t))
	defer unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		sid, err := s.prepare(tx, t)
		if err != nil {
			return err
		}
		existing, err := siblings(tx, t)
		if err != nil {
			return err
		}
		by, covers, err := redundancy(existing, t)
		if err != nil {
			return err
		}
		if by != nil {
			return conflict(sid, by, covers)
		}
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return touchRulesets(tx, []uint{t.RulesetID}, s.now())
	})
	if err != nil {
		return err
	}
	logger.Log().WithFields(logrus.Fields{
		"ruleset_id": t.RulesetID,
		"threshold":  t.UUID,
		"kind":       t.ThresholdType,
	}).Info("Threshold created")
	return nil
}

// Update edits the rate and scope fields of a threshold. Target and kind are fixed.
func (s *ThresholdService) Update(uuid string, changes *models.Threshold) (*models.Threshold, error) {
	t, err := s.Get(uuid)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(lockKey(t))
	defer unlock()

	t.Type = changes.Type
	t.TrackBy = changes.TrackBy
	t.Net = changes.Net
	t.Count = changes.Count
	t.Seconds = changes.Seconds
	t.Descr = changes.Descr

	err = s.db.Transaction(func(tx *gorm.DB) error {
		sid, err := s.prepare(tx, t)
		if err != nil {
			return err
		}
		existing, err := siblings(tx, t)
		if err != nil {
			return err
		}
		by, covers, err := redundancy(existing, t)
		if err != nil {
			return err
		}
		if by != nil {
			return conflict(sid, by, covers)
		}
		if err := tx.Save(t).Error; err != nil {
			return err
		}
		return touchRulesets(tx, []uint{t.RulesetID}, s.now())
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *ThresholdService) Delete(uuid string) error {
	t, err := s.Get(uuid)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(t).Error; err != nil {
			return err
		}
		return touchRulesets(tx, []uint{t.RulesetID}, s.now())
	})
}

// ContainersFor previews which stored thresholds contain or overlap a
// candidate without storing it.
func (s *ThresholdService) ContainersFor(t *models.Threshold) (*ThresholdPreview, error) {
	if _, err := s.prepare(s.db, t); err != nil {
		return nil, err
	}
	candidate, err := t.Scope()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	existing, err := siblings(s.db, t)
	if err != nil {
		return nil, err
	}

	preview := &ThresholdPreview{Containing: []models.Threshold{}, Covered: []models.Threshold{}, Overlapping: []models.Threshold{}}
	for _, e := range existing {
		scope, err := e.Scope()
		if err != nil {
			continue
		}
		switch {
		case threshold.Contains(scope, candidate):
			preview.Containing = append(preview.Containing, e)
		case threshold.Contains(candidate, scope):
			preview.Covered = append(preview.Covered, e)
		case threshold.Overlaps(scope, candidate):
			preview.Overlapping = append(preview.Overlapping, e)
		}
	}
	return preview, nil
}
