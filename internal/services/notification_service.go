package services

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/logger"
	"github.com/Wikid82/sigforge/internal/models"
)

// Notifier receives ingestion and compilation events.
type Notifier interface {
	Notify(event string, nType models.NotificationType, title, message string, sourceID, rulesetID *uint)
}

type NotificationService struct {
	DB *gorm.DB

	wg sync.WaitGroup
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{DB: db}
}

// shoutrrrSend is swapped in tests.
var shoutrrrSend = shoutrrr.Send

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			id := matches[1]
			token := matches[2]
			return fmt.Sprintf("discord://%s@%s", token, id)
		}
	}
	return rawURL
}

// Internal Notifications (DB)

func (s *NotificationService) Create(nType models.NotificationType, title, message string) (*models.Notification, error) {
	notification := &models.Notification{
		Type:    nType,
		Title:   title,
		Message: message,
		Read:    false,
	}
	result := s.DB.Create(notification)
	return notification, result.Error
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	result := query.Find(&notifications)
	return notifications, result.Error
}

func (s *NotificationService) MarkAsRead(id string) error {
	return s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true).Error
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// Notify records the event in the feed and fans it out to subscribed providers.
func (s *NotificationService) Notify(event string, nType models.NotificationType, title, message string, sourceID, rulesetID *uint) {
	n := &models.Notification{
		Type:      nType,
		Event:     event,
		Title:     title,
		Message:   message,
		SourceID:  sourceID,
		RulesetID: rulesetID,
	}
	if err := s.DB.Create(n).Error; err != nil {
		logger.Log().WithError(err).WithField("event", event).Warn("Failed to store notification")
	}
	s.SendExternal(event, title, message)
}

// External Notifications (Shoutrrr)

func (s *NotificationService) SendExternal(event, title, message string) {
	var providers []models.NotificationProvider
	if err := s.DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Log().WithError(err).Error("Failed to fetch notification providers")
		return
	}

	for _, provider := range providers {
		if !provider.Wants(event) {
			continue
		}
		s.wg.Add(1)
		go func(p models.NotificationProvider) {
			defer s.wg.Done()
			// Use newline for better formatting in chat apps
			msg := fmt.Sprintf("%s\n\n%s", title, message)
			if err := shoutrrrSend(normalizeURL(p.Type, p.URL), msg); err != nil {
				logger.Log().WithError(err).WithFields(logrus.Fields{"provider": p.Name, "event": event}).Warn("Failed to send notification")
			}
		}(provider)
	}
}

// Wait blocks until in-flight external sends are done.
func (s *NotificationService) Wait() { s.wg.Wait() }

func (s *NotificationService) TestProvider(provider models.NotificationProvider) error {
	url := normalizeURL(provider.Type, provider.URL)
	return shoutrrrSend(url, "Test notification from sigforge")
}

// Provider Management

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Order("name").Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	return integrity(s.DB.Create(provider).Error, "notification provider", "name")
}

func (s *NotificationService) UpdateProvider(provider *models.NotificationProvider) error {
	return integrity(s.DB.Save(provider).Error, "notification provider", "name")
}

func (s *NotificationService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.NotificationProvider{}, "id = ?", id).Error
}
