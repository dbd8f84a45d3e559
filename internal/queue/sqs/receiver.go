// Package sqs receives object-created notifications from an Amazon SQS queue
// fed by S3 bucket event notifications.
package sqs

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	json "github.com/goccy/go-json"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// API is the subset of the SQS client the receiver calls.
type API interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Config controls how messages are pulled.
type Config struct {
	QueueURL string
	// WaitSeconds enables long polling; zero returns immediately.
	WaitSeconds int32
	// VisibilitySeconds overrides the queue default when positive.
	VisibilitySeconds int32
}

// Receiver pulls one message per call.
type Receiver struct {
	api API
	cfg Config
}

// New constructs a Receiver.
func New(api API, cfg Config) (*Receiver, error) {
	if api == nil {
		return nil, fmt.Errorf("sqs client is required")
	}
	if cfg.QueueURL == "" {
		return nil, trail.ConfigErr("sqs receiver", fmt.Errorf("queue url is required"))
	}
	return &Receiver{api: api, cfg: cfg}, nil
}

type s3Event struct {
	Event   string `json:"Event"`
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// Receive returns the next message. The delivery's Ack deletes the message;
// an unacknowledged message reappears after the visibility timeout.
// Bucket test events yield a delivery with an empty key.
func (r *Receiver) Receive(ctx context.Context) (trail.Delivery, error) {
	input := &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.cfg.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     r.cfg.WaitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if r.cfg.VisibilitySeconds > 0 {
		input.VisibilityTimeout = r.cfg.VisibilitySeconds
	}
	out, err := r.api.ReceiveMessage(ctx, input)
	if err != nil {
		return trail.Delivery{}, trail.Transient("receive message", err)
	}
	if len(out.Messages) == 0 {
		return trail.Delivery{}, trail.ErrQueueEmpty
	}
	msg := out.Messages[0]
	key, err := objectKey(aws.ToString(msg.Body))
	receipt := msg.ReceiptHandle
	delivery := trail.Delivery{
		ID:      aws.ToString(msg.MessageId),
		Key:     key,
		Attempt: receiveCount(msg.Attributes),
		Ack: func(ctx context.Context) error {
			_, err := r.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
				QueueUrl:      aws.String(r.cfg.QueueURL),
				ReceiptHandle: receipt,
			})
			if err != nil {
				return trail.Transient("delete message", err)
			}
			return nil
		},
	}
	// A malformed body is returned alongside a usable Ack so callers can drop it.
	return delivery, err
}

// objectKey extracts the first record's object key. Keys arrive
// form-encoded.
func objectKey(body string) (string, error) {
	var event s3Event
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return "", trail.DataErr("decode s3 event", err)
	}
	if len(event.Records) == 0 {
		return "", nil
	}
	key, err := url.QueryUnescape(event.Records[0].S3.Object.Key)
	if err != nil {
		return "", trail.DataErr("unescape object key", err)
	}
	return key, nil
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
