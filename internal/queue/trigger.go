package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// ExtractionTriggerMsg enqueues one extraction job. Triggers only create
// pending rows; the orchestrator claims and drives them.
type ExtractionTriggerMsg struct {
	TenantID       string       `json:"tenant_id"`
	OrganizationID string       `json:"organization_id"`
	ProjectID      string       `json:"project_id"`
	DocumentID     string       `json:"document_id"`
	JobType        string       `json:"job_type,omitempty"`
	EnabledTypes   []string     `json:"enabled_types,omitempty"`
	Config         *jobs.Config `json:"extraction_config,omitempty"`
	MaxRetries     int          `json:"max_retries,omitempty"`
}

// PublishExtractionTrigger enqueues a trigger message.
func PublishExtractionTrigger(ch *amqp091.Channel, msg ExtractionTriggerMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return PublishFIFO(ch, ExtractQueue, data)
}

// ProcessTriggerMessage turns one trigger message into a pending job row.
func ProcessTriggerMessage(ctx context.Context, store jobs.Store, msg string) error {
	data := new(ExtractionTriggerMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("unmarshal trigger message: %w", err)
	}
	if data.ProjectID == "" || data.DocumentID == "" {
		return fmt.Errorf("trigger message missing project_id or document_id")
	}

	job := &jobs.Job{
		TenantID:       data.TenantID,
		OrganizationID: data.OrganizationID,
		ProjectID:      data.ProjectID,
		DocumentID:     data.DocumentID,
		JobType:        data.JobType,
		EnabledTypes:   data.EnabledTypes,
		MaxRetries:     data.MaxRetries,
	}
	if data.Config != nil {
		job.Config = *data.Config
	}

	created, err := store.CreateJob(ctx, job)
	if err != nil {
		return err
	}

	logger.Info("[Queue] Created extraction job",
		"job_id", created.ID, "project_id", created.ProjectID, "document_id", created.DocumentID)
	return nil
}

// ConsumeTriggers drains the extraction trigger queue until the context is
// cancelled. Prefetch is 1 so a slow database write never buffers a
// backlog in the consumer.
func ConsumeTriggers(ctx context.Context, conn *amqp091.Connection, store jobs.Store) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, true); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		ExtractQueue,
		ExtractQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", ExtractQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping trigger consumer")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("[Queue] Trigger channel closed")
				return nil
			}

			if err := ProcessTriggerMessage(ctx, store, string(msg.Body)); err != nil {
				logger.Error("[Queue] Failed to process trigger message", "err", err)
				HandleProcessingError(ch, msg, ExtractQueue)
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("[Queue] Failed to ack trigger message", "err", err)
			}
		}
	}
}
