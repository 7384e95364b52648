package event

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SQSAPI is the part of *sqs.Client the publisher needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSEventPublisher struct {
	client SQSAPI
	logger *zap.Logger

	queueURL string
}

var (
	_ Publisher = (*SQSEventPublisher)(nil)
	_ SQSAPI    = (*sqs.Client)(nil)
)

func NewSQSEventPublisher(client SQSAPI, logger *zap.Logger, queueURL string) *SQSEventPublisher {
	return &SQSEventPublisher{
		client:   client,
		logger:   logger,
		queueURL: queueURL,
	}
}

func (p *SQSEventPublisher) Publish(ctx context.Context, e JobEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshalling payload")
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"jobId": {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(e.JobID))},
			"state": {DataType: aws.String("String"), StringValue: aws.String(e.State.String())},
		},
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return errors.Wrap(err, "sending message")
	}

	p.logger.Debug("published job event",
		zap.Int("jobID", e.JobID),
		zap.Stringer("state", e.State),
		zap.Stringp("messageID", out.MessageId),
	)

	return nil
}
