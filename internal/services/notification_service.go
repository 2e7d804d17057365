package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sikaplan/backend/internal/models"
)

const notificationQueue = "notifications:sms"

// NotificationService dispatches customer notifications through a
// Redis queue consumed by the SMS worker. Dispatch is strictly
// best-effort: a queue outage is logged and never propagated into the
// payment flow that triggered it.
type NotificationService struct {
	redis *redis.Client
}

func NewNotificationService(redisClient *redis.Client) *NotificationService {
	return &NotificationService{redis: redisClient}
}

type failureNotice struct {
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
	QueuedAt  int64  `json:"queuedAt"`
}

// QueuePaymentFailure notifies the customer that a charge failed and,
// when known, when the next automatic attempt will run.
func (n *NotificationService) QueuePaymentFailure(payment *models.PaymentTransaction, phone, reason, template string, nextRetry *time.Time) {
	message := renderTemplate(template, payment.Amount, reason, nextRetry)

	if n.redis == nil {
		log.Printf("[NOTIFY] redis unavailable, dropping failure notice for %s: %s", payment.Reference, message)
		return
	}

	notice := failureNotice{
		Phone:     phone,
		Message:   message,
		Reference: payment.Reference,
		QueuedAt:  time.Now().Unix(),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		log.Printf("[NOTIFY] failed to marshal notice for %s: %v", payment.Reference, err)
		return
	}

	if err := n.redis.RPush(context.Background(), notificationQueue, data).Err(); err != nil {
		log.Printf("[NOTIFY] failed to queue failure notice for %s: %v", payment.Reference, err)
		return
	}

	log.Printf("[NOTIFY] queued failure notice for %s to %s", payment.Reference, phone)
}

func renderTemplate(template string, amount int64, reason string, nextRetry *time.Time) string {
	nextRetryText := "a later date"
	if nextRetry != nil {
		nextRetryText = nextRetry.Format("02 Jan 2006")
	}

	msg := template
	msg = strings.ReplaceAll(msg, "{{amount}}", fmt.Sprintf("%.2f", float64(amount)/100))
	msg = strings.ReplaceAll(msg, "{{reason}}", reason)
	msg = strings.ReplaceAll(msg, "{{next_retry}}", nextRetryText)
	return msg
}
