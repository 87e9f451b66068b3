package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// Sink hands an entry to one downstream consumer. Deliver must be safe to
// repeat: an entry is redelivered to every sink until all of them succeed.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Entry) error
}

// LogSink writes every event to the audit log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "audit").Logger()}
}

func (s *LogSink) Name() string { return "audit" }

func (s *LogSink) Deliver(_ context.Context, e Entry) error {
	s.logger.Info().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType).
		Str("appointment_id", e.AppointmentID.String()).
		Str("clinic_id", e.ClinicID.String()).
		Time("created_at", e.CreatedAt).
		RawJSON("payload", e.Payload).
		Msg("appointment event")
	return nil
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink forwards events to the notification queue. The message body is
// the JSON-encoded Entry.
type SQSSink struct {
	client   sqsAPI
	queueURL string
}

func NewSQSSink(client *sqs.Client, queueURL string) *SQSSink {
	return newSQSSink(client, queueURL)
}

func newSQSSink(client sqsAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

func (s *SQSSink) Name() string { return "sqs" }

func (s *SQSSink) Deliver(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox: marshal entry: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(e.EventType)},
			"clinic_id":  {DataType: aws.String("String"), StringValue: aws.String(e.ClinicID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("outbox: sqs send: %w", err)
	}
	return nil
}
