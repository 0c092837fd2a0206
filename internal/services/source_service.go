package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	rerrors "github.com/Wikid82/sigforge/internal/errors"
	"github.com/Wikid82/sigforge/internal/feed"
	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/metrics"
	"github.com/Wikid82/sigforge/internal/models"
	"github.com/Wikid82/sigforge/internal/ruleparser"
	"github.com/Wikid82/sigforge/internal/snapshot"
)

// sqlite caps bound variables per statement.
const sidBatch = 500

// UpdateResult reports one Update call. Changed is false when the retrieved
// feed was structurally identical to HEAD; nothing is written in that case.
type UpdateResult struct {
	Source      string               `json:"source"`
	Changed     bool                 `json:"changed"`
	Update      *models.SourceUpdate `json:"update,omitempty"`
	Diff        snapshot.Diff        `json:"diff"`
	Rules       int                  `json:"rules"`
	Skipped     int                  `json:"skipped"`
	ParseErrors []string             `json:"parse_errors"`
	Shared      bool                 `json:"shared"`
	// Error is set instead of the other fields when a ruleset refresh could
	// not update this source.
	Error string `json:"error,omitempty"`
}

type SourceService struct {
	db       *gorm.DB
	fetchers feed.Mux
	notifier Notifier
	group    singleflight.Group
	maxBytes int64
	now      func() time.Time
}

func NewSourceService(db *gorm.DB, fetchers feed.Mux, notifier Notifier) *SourceService {
	return &SourceService{db: db, fetchers: fetchers, notifier: notifier, now: time.Now}
}

// SetMaxBytes caps the unpacked size of a feed; n <= 0 uses feed.DefaultMaxBytes.
func (s *SourceService) SetMaxBytes(n int64) {
	s.maxBytes = n
}

func (s *SourceService) List() ([]models.Source, error) {
	var sources []models.Source
	if err := s.db.Order("name").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *SourceService) Get(id uint) (*models.Source, error) {
	var src models.Source
	if err := s.db.Preload("Categories").First(&src, id).Error; err != nil {
		return nil, notFound(err, ErrSourceNotFound)
	}
	return &src, nil
}

func validateSource(src *models.Source) error {
	src.Name = strings.TrimSpace(src.Name)
	if src.Name == "" || strings.TrimSpace(src.URI) == "" {
		return fmt.Errorf("%w: name and uri are required", ErrInvalidSource)
	}
	if src.Method == "" {
		src.Method = models.SourceMethodHTTP
	}
	if src.Datatype == "" {
		src.Datatype = models.DatatypeSigs
	}
	switch src.Method {
	case models.SourceMethodHTTP, models.SourceMethodLocal:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidSource, src.Method)
	}
	switch src.Datatype {
	case models.DatatypeSigs, models.DatatypeArchive:
	default:
		return fmt.Errorf("%w: unknown datatype %q", ErrInvalidSource, src.Datatype)
	}
	return nil
}

// Create stores the source with its HEAD version.
func (s *SourceService) Create(src *models.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(src).Error; err != nil {
			return integrity(err, "source", "name")
		}
		return tx.Create(&models.SourceAtVersion{SourceID: src.ID, Version: models.HeadVersion}).Error
	})
}

// Save updates the editable fields of a source.
func (s *SourceService) Save(id uint, changes *models.Source) (*models.Source, error) {
	src, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	src.Name = changes.Name
	src.URI = changes.URI
	src.Method = changes.Method
	src.Datatype = changes.Datatype
	src.InsecureTLS = changes.InsecureTLS
	src.UpdateCron = changes.UpdateCron
	if changes.AuthKey != "" {
		src.AuthKey = changes.AuthKey
	}
	if err := validateSource(src); err != nil {
		return nil, err
	}
	if err := s.db.Omit("Categories").Save(src).Error; err != nil {
		return nil, integrity(err, "source", "name")
	}
	return src, nil
}

// Delete removes the source and everything derived from it. Rulesets that
// selected it are flagged for re-testing.
func (s *SourceService) Delete(id uint) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		categories := tx.Model(&models.Category{}).Select("id").Where("source_id = ?", id)
		rules := tx.Model(&models.Rule{}).Select("id").Where("category_id IN (?)", categories)
		versions := tx.Model(&models.SourceAtVersion{}).Select("id").Where("source_id = ?", id)

		var affected []uint
		if err := tx.Table("ruleset_sources").Where("source_at_version_id IN (?)", versions).
			Distinct().Pluck("ruleset_id", &affected).Error; err != nil {
			return err
		}

		steps := []*gorm.DB{
			tx.Where("rule_id IN (?)", rules).Delete(&models.Threshold{}),
			tx.Where("rule_id IN (?)", rules).Delete(&models.RuleOverride{}),
			tx.Exec("DELETE FROM ruleset_suppressed_rules WHERE rule_id IN (?)", rules),
			tx.Where("category_id IN (?)", categories).Delete(&models.Rule{}),
			tx.Where("category_id IN (?)", categories).Delete(&models.CategoryTransform{}),
			tx.Exec("DELETE FROM ruleset_categories WHERE category_id IN (?)", categories),
			tx.Where("source_id = ?", id).Delete(&models.Category{}),
			tx.Exec("DELETE FROM ruleset_sources WHERE source_at_version_id IN (?)", versions),
			tx.Where("source_id = ?", id).Delete(&models.SourceAtVersion{}),
			tx.Where("source_id = ?", id).Delete(&models.SourceUpdate{}),
			tx.Delete(&models.Source{}, id),
		}
		for _, step := range steps {
			if step.Error != nil {
				return step.Error
			}
		}
		return touchRulesets(tx, affected, s.now())
	})
}

// Head returns the current snapshot of a source, nil when it was never updated.
func (s *SourceService) Head(id uint) (*models.SourceUpdate, error) {
	var head models.SourceUpdate
	err := s.db.Where("source_id = ? AND head = ?", id, true).First(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &head, nil
}

// Update retrieves, parses and diffs the source against HEAD, persisting a new
// snapshot only when something changed. Concurrent calls for the same source
// share one run. The run is detached from the caller that started it, so a
// caller going away only abandons its own wait.
func (s *SourceService) Update(ctx context.Context, id uint) (*UpdateResult, error) {
	ch := s.group.DoChan(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		return s.update(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*UpdateResult)
		res.Shared = r.Shared
		return &res, nil
	}
}

type parsedEntry struct {
	entry snapshot.Entry
	rule  ruleparser.Rule
}

func (s *SourceService) update(ctx context.Context, id uint) (*UpdateResult, error) {
	src, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	log := logger.Log().WithFields(logrus.Fields{"source": src.Name, "source_id": src.ID})

	entries, files, res, err := s.retrieve(ctx, src)
	if err != nil {
		metrics.ObserveSourceUpdate(metrics.ResultFailed)
		log.WithError(err).Warn("Source update failed")
		if s.notifier != nil {
			s.notifier.Notify(models.EventFetchFailed, models.NotificationTypeError,
				fmt.Sprintf("Update of source %s failed", src.Name), err.Error(), &src.ID, nil)
		}
		return nil, err
	}

	plain := make([]snapshot.Entry, 0, len(entries))
	for _, e := range entries {
		plain = append(plain, e.entry)
	}
	snap := snapshot.New(plain)
	hash, err := snap.Hash()
	if err != nil {
		return nil, err
	}
	data, err := snap.Encode()
	if err != nil {
		return nil, err
	}

	head, err := s.Head(src.ID)
	if err != nil {
		return nil, fmt.Errorf("load head: %w", err)
	}
	res.Rules = snap.Len()
	if head != nil && head.ContentHash == hash {
		metrics.ObserveSourceUpdate(metrics.ResultUnchanged)
		log.WithField("update_id", head.UUID).Info("Source unchanged")
		res.Update = head
		return res, nil
	}

	var prev *snapshot.Snapshot
	version := 1
	if head != nil {
		if prev, err = snapshot.Decode(head.Data); err != nil {
			return nil, err
		}
		version = head.Version + 1
	}
	res.Diff = snapshot.Compare(prev, snap)

	now := s.now()
	upd := &models.SourceUpdate{
		SourceID:    src.ID,
		RetrievedAt: now,
		Version:     version,
		Head:        true,
		ContentHash: hash,
		Data:        data,
		Added:       len(res.Diff.Added),
		Deleted:     len(res.Diff.Deleted),
		Updated:     len(res.Diff.Updated),
		Changed:     summary(res.Diff),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		categoryIDs, err := s.upsertCategories(tx, src.ID, files)
		if err != nil {
			return err
		}
		conflicts, err := s.upsertRules(tx, src.ID, categoryIDs, entries)
		if err != nil {
			return err
		}
		for _, c := range conflicts {
			res.ParseErrors = append(res.ParseErrors, c.Error())
		}
		res.Skipped += len(conflicts)
		upd.ParseErrors = res.Skipped

		if err := markStale(tx, src.ID, entries); err != nil {
			return err
		}
		if err := tx.Model(&models.SourceUpdate{}).Where("source_id = ? AND head = ?", src.ID, true).Update("head", false).Error; err != nil {
			return err
		}
		if err := tx.Create(upd).Error; err != nil {
			return integrity(err, "source update", "retrieval time")
		}
		return tx.Model(&models.Source{}).Where("id = ?", src.ID).Update("last_updated", now).Error
	})
	if err != nil {
		metrics.ObserveSourceUpdate(metrics.ResultFailed)
		log.WithError(err).Error("Failed to store source update")
		return nil, fmt.Errorf("store update of %q: %w", src.Name, err)
	}

	metrics.ObserveSourceUpdate(metrics.ResultChanged)
	metrics.AddParseErrors(res.Skipped)
	res.Changed = true
	res.Update = upd
	log.WithFields(logrus.Fields{
		"update_id": upd.UUID,
		"version":   upd.Version,
		"added":     upd.Added,
		"deleted":   upd.Deleted,
		"updated":   upd.Updated,
		"skipped":   res.Skipped,
	}).Info("Source updated")

	if s.notifier != nil {
		s.notifier.Notify(models.EventSourceUpdated, models.NotificationTypeSuccess,
			fmt.Sprintf("Source %s updated to version %d", src.Name, upd.Version), upd.Changed, &src.ID, nil)
	}
	return res, nil
}

// retrieve fetches, unpacks and parses the feed of src.
func (s *SourceService) retrieve(ctx context.Context, src *models.Source) ([]parsedEntry, []feed.File, *UpdateResult, error) {
	fetcher, err := s.fetchers.For(string(src.Method))
	if err != nil {
		return nil, nil, nil, &rerrors.FetchError{Source: src.Name, URI: src.URI, Err: err}
	}
	data, err := fetcher.Fetch(ctx, feed.Request{Source: src.Name, URI: src.URI, AuthKey: src.AuthKey, InsecureTLS: src.InsecureTLS})
	if err != nil {
		return nil, nil, nil, err
	}
	files, err := feed.Unpack(data, string(src.Datatype), src.Name, s.maxBytes)
	if err != nil {
		return nil, nil, nil, &rerrors.FetchError{Source: src.Name, URI: src.URI, Err: err}
	}

	res := &UpdateResult{Source: src.Name, ParseErrors: []string{}}
	parser := ruleparser.New()
	var entries []parsedEntry
	for _, f := range files {
		parsed, err := parser.Parse(bytes.NewReader(f.Data), ruleparser.Options{Source: src.Name, Category: f.Category})
		if err != nil {
			return nil, nil, nil, &rerrors.FetchError{Source: src.Name, URI: src.URI, Err: err}
		}
		for _, perr := range parsed.Errors {
			res.ParseErrors = append(res.ParseErrors, perr.Error())
		}
		res.Skipped += parsed.Skipped()
		for _, r := range parsed.Rules {
			entries = append(entries, parsedEntry{
				entry: snapshot.Entry{
					SID:      r.SID,
					GID:      r.GID,
					Rev:      r.Rev,
					Msg:      r.Msg,
					Content:  r.Raw,
					Category: f.Category,
					State:    r.Enabled,
				},
				rule: r,
			})
		}
	}
	return entries, files, res, nil
}

func (s *SourceService) upsertCategories(tx *gorm.DB, sourceID uint, files []feed.File) (map[string]uint, error) {
	ids := make(map[string]uint, len(files))
	for _, f := range files {
		cat := models.Category{SourceID: sourceID, Name: f.Category}
		err := tx.Where(models.Category{SourceID: sourceID, Name: f.Category}).
			Attrs(models.Category{Filename: f.Filename, DefaultActive: true}).
			FirstOrCreate(&cat).Error
		if err != nil {
			return nil, fmt.Errorf("upsert category %q: %w", f.Category, err)
		}
		ids[f.Category] = cat.ID
	}
	return ids, nil
}

// upsertRules updates rules in place by sid. Sids owned by another source are
// skipped and reported as conflicts.
func (s *SourceService) upsertRules(tx *gorm.DB, sourceID uint, categoryIDs map[string]uint, entries []parsedEntry) ([]error, error) {
	var conflicts []error
	var created []models.Rule
	for start := 0; start < len(entries); start += sidBatch {
		batch := entries[start:min(start+sidBatch, len(entries))]
		sids := make([]int64, 0, len(batch))
		for _, e := range batch {
			sids = append(sids, e.entry.SID)
		}

		var existing []models.Rule
		if err := tx.Joins("Category").Where("rules.sid IN ?", sids).Find(&existing).Error; err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		bySID := make(map[int64]models.Rule, len(existing))
		for _, r := range existing {
			bySID[r.SID] = r
		}

		for _, e := range batch {
			fields := models.Rule{
				SID:        e.entry.SID,
				GID:        e.entry.GID,
				Rev:        e.entry.Rev,
				Msg:        e.entry.Msg,
				Content:    e.entry.Content,
				Classtype:  e.rule.Classtype,
				Flowbits:   strings.Join(e.rule.Flowbits, ","),
				CategoryID: categoryIDs[e.entry.Category],
				State:      e.entry.State,
			}
			old, ok := bySID[e.entry.SID]
			if !ok {
				created = append(created, fields)
				continue
			}
			if old.Category.SourceID != sourceID {
				conflicts = append(conflicts, &rerrors.ConflictError{
					Kind:   rerrors.ConflictForeignSID,
					SID:    e.entry.SID,
					Detail: fmt.Sprintf("sid is owned by category %q of another source", old.Category.Name),
				})
				continue
			}
			err := tx.Model(&models.Rule{ID: old.ID}).
				Select("GID", "Rev", "Msg", "Content", "Classtype", "Flowbits", "CategoryID", "State", "Stale").
				Updates(fields).Error
			if err != nil {
				return nil, fmt.Errorf("update sid %d: %w", e.entry.SID, err)
			}
		}
	}
	if len(created) > 0 {
		if err := tx.Omit("Category").CreateInBatches(&created, 200).Error; err != nil {
			return nil, fmt.Errorf("create rules: %w", integrity(err, "rule", "sid"))
		}
	}
	return conflicts, nil
}

// markStale flags rules of the source that the latest import no longer ships.
func markStale(tx *gorm.DB, sourceID uint, entries []parsedEntry) error {
	current := make(map[int64]bool, len(entries))
	for _, e := range entries {
		current[e.entry.SID] = true
	}

	type row struct {
		ID  uint
		SID int64 `gorm:"column:sid"`
	}
	var rows []row
	err := tx.Model(&models.Rule{}).
		Select("rules.id, rules.sid").
		Where("category_id IN (?)", tx.Model(&models.Category{}).Select("id").Where("source_id = ?", sourceID)).
		Where("stale = ?", false).
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("load source rules: %w", err)
	}

	var stale []uint
	for _, r := range rows {
		if !current[r.SID] {
			stale = append(stale, r.ID)
		}
	}
	for start := 0; start < len(stale); start += sidBatch {
		ids := stale[start:min(start+sidBatch, len(stale))]
		if err := tx.Model(&models.Rule{}).Where("id IN ?", ids).Update("stale", true).Error; err != nil {
			return fmt.Errorf("mark stale rules: %w", err)
		}
	}
	return nil
}

func summary(d snapshot.Diff) string {
	return fmt.Sprintf("%d added, %d deleted, %d updated", len(d.Added), len(d.Deleted), len(d.Updated))
}

// Changelog lists the snapshots of a source, newest first.
func (s *SourceService) Changelog(id uint, limit int) ([]models.SourceUpdate, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var updates []models.SourceUpdate
	err := s.db.Where("source_id = ?", id).Order("version desc").Limit(limit).Find(&updates).Error
	return updates, err
}

// GetUpdate returns a snapshot by its public id.
func (s *SourceService) GetUpdate(uuid string) (*models.SourceUpdate, error) {
	var upd models.SourceUpdate
	if err := s.db.Where("uuid = ?", uuid).First(&upd).Error; err != nil {
		return nil, notFound(err, ErrUpdateNotFound)
	}
	return &upd, nil
}

// DiffUpdate compares a snapshot with the one before it.
func (s *SourceService) DiffUpdate(uuid string) (snapshot.Diff, error) {
	upd, err := s.GetUpdate(uuid)
	if err != nil {
		return snapshot.Diff{}, err
	}
	cur, err := snapshot.Decode(upd.Data)
	if err != nil {
		return snapshot.Diff{}, err
	}

	var prevUpd models.SourceUpdate
	err = s.db.Where("source_id = ? AND version < ?", upd.SourceID, upd.Version).Order("version desc").First(&prevUpd).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return snapshot.Diff{}, err
	}
	var prev *snapshot.Snapshot
	if err == nil {
		if prev, err = snapshot.Decode(prevUpd.Data); err != nil {
			return snapshot.Diff{}, err
		}
	}
	return snapshot.Compare(prev, cur), nil
}

// DiffVersions compares two snapshot versions of one source.
func (s *SourceService) DiffVersions(id uint, older, newer int) (snapshot.Diff, error) {
	load := func(version int) (*snapshot.Snapshot, error) {
		var upd models.SourceUpdate
		if err := s.db.Where("source_id = ? AND version = ?", id, version).First(&upd).Error; err != nil {
			return nil, notFound(err, ErrUpdateNotFound)
		}
		return snapshot.Decode(upd.Data)
	}
	a, err := load(older)
	if err != nil {
		return snapshot.Diff{}, err
	}
	b, err := load(newer)
	if err != nil {
		return snapshot.Diff{}, err
	}
	return snapshot.Compare(a, b), nil
}

// ActivateOnRuleset selects the HEAD of the source on a ruleset together with
// its default-active categories.
func (s *SourceService) ActivateOnRuleset(sourceID, rulesetID uint) error {
	var head models.SourceAtVersion
	if err := s.db.Where("source_id = ? AND version = ?", sourceID, models.HeadVersion).First(&head).Error; err != nil {
		return notFound(err, ErrSourceNotFound)
	}
	var rs models.Ruleset
	if err := s.db.First(&rs, rulesetID).Error; err != nil {
		return notFound(err, ErrRulesetNotFound)
	}
	var categories []models.Category
	if err := s.db.Where("source_id = ? AND default_active = ?", sourceID, true).Find(&categories).Error; err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&rs).Association("Sources").Append(&head); err != nil {
			return err
		}
		if len(categories) > 0 {
			if err := tx.Model(&rs).Association("Categories").Append(categories); err != nil {
				return err
			}
		}
		return touchRulesets(tx, []uint{rs.ID}, s.now())
	})
}

// touchRulesets flags rulesets as needing a new test run.
func touchRulesets(tx *gorm.DB, ids []uint, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.Ruleset{}).Where("id IN ?", ids).
		Updates(map[string]any{"needs_test": true, "updated_at": now}).Error
}
