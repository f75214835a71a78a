package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

const (
	sqsBackend = "sqs"

	sqsMaxDelay          = 900 * time.Second
	sqsMaxVisibility     = 12 * time.Hour
	sqsMaxReceive        = 10
	sqsMaxDeleteBatch    = 10
	sqsAvailableAtHeader = "conveyor_available_at"

	defaultSQSOperationTimeout = 10 * time.Second
)

// sqsAPI is the subset of the SQS client used by SQSQueue.
type sqsAPI interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// SQSConfig configures the SQS queue backend.
type SQSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	// QueueURLs maps queue names to explicit URLs; other names are resolved
	// with GetQueueUrl.
	QueueURLs        map[string]string `mapstructure:"queue_urls"`
	OperationTimeout time.Duration     `mapstructure:"operation_timeout"`
}

// SQSQueue implements Queue on Amazon SQS. Delivery ids are receipt handles.
//
// SQS caps send delays at 15 minutes. Longer delays are carried in a message
// attribute and enforced on receive by hiding the message again for the
// remaining time.
type SQSQueue struct {
	client sqsAPI
	log    logger.Logger
	config SQSConfig
	now    func() time.Time

	mu     sync.RWMutex
	urls   map[string]string
	closed bool
}

// NewSQSQueue builds an SQS client from cfg and the default AWS credential
// chain.
func NewSQSQueue(ctx context.Context, cfg SQSConfig, log logger.Logger) (*SQSQueue, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, queueError(ErrValidation, "aws region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return newSQSQueueWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log), nil
}

func newSQSQueueWithClient(client sqsAPI, cfg SQSConfig, log logger.Logger) *SQSQueue {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultSQSOperationTimeout
	}
	urls := make(map[string]string, len(cfg.QueueURLs))
	for name, url := range cfg.QueueURLs {
		urls[name] = url
	}
	return &SQSQueue{
		client: client,
		log:    log,
		config: cfg,
		now:    time.Now,
		urls:   urls,
	}
}

func (q *SQSQueue) Create(ctx context.Context, queue string) (err error) {
	defer func() { recordOperation(sqsBackend, queue, "create", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	out, err := q.client.CreateQueue(opCtx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		return fmt.Errorf("create sqs queue %s failed: %w", name, err)
	}
	q.mu.Lock()
	q.urls[name] = aws.ToString(out.QueueUrl)
	q.mu.Unlock()
	return nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) (id string, err error) {
	defer func() { recordOperation(sqsBackend, queue, "enqueue", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return "", err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if err := q.ensureOpen(); err != nil {
		return "", err
	}
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return "", err
	}

	now := q.now().UTC()
	delay = normalizeDelay(delay)
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	msg.AvailableAt = now.Add(delay)
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal queue message failed: %w", err)
	}

	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	out, err := q.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(ceilSeconds(min(delay, sqsMaxDelay))),
		MessageAttributes: map[string]types.MessageAttributeValue{
			sqsAvailableAtHeader: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(msg.AvailableAt.UnixMilli(), 10)),
			},
			"job_id": {DataType: aws.String("String"), StringValue: aws.String(msg.JobID)},
			"stage":  {DataType: aws.String("String"), StringValue: aws.String(msg.Stage)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("send sqs message failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	deliveries, err := q.DequeueBatch(ctx, queue, visibility, 1)
	if err != nil || len(deliveries) == 0 {
		return nil, err
	}
	return deliveries[0], nil
}

func (q *SQSQueue) DequeueBatch(ctx context.Context, queue string, visibility time.Duration, size int) (out []*Delivery, err error) {
	defer func() {
		recordOperation(sqsBackend, queue, "dequeue", err)
		recordDeliveries(sqsBackend, queue, out)
	}()
	name, err := validateQueueName(queue)
	if err != nil {
		return nil, err
	}
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return nil, err
	}
	visibility = min(normalizeVisibility(visibility), sqsMaxVisibility)
	size = normalizeBatchSize(size)

	for len(out) < size {
		want := min(size-len(out), sqsMaxReceive)
		opCtx, cancel := q.operationContext(ctx)
		resp, err := q.client.ReceiveMessage(opCtx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(url),
			MaxNumberOfMessages:         int32(want),
			VisibilityTimeout:           int32(ceilSeconds(visibility)),
			WaitTimeSeconds:             0,
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		cancel()
		if err != nil {
			return out, fmt.Errorf("receive sqs messages failed: %w", err)
		}
		if len(resp.Messages) == 0 {
			break
		}
		now := q.now().UTC()
		for _, raw := range resp.Messages {
			delivery, ok := q.decode(ctx, name, url, raw, now, visibility)
			if ok {
				out = append(out, delivery)
			}
		}
	}
	return out, nil
}

// decode converts a received message into a Delivery. Messages whose
// carried availability is still in the future are hidden again and skipped.
func (q *SQSQueue) decode(ctx context.Context, queue, url string, raw types.Message, now time.Time, visibility time.Duration) (*Delivery, bool) {
	handle := aws.ToString(raw.ReceiptHandle)
	if attr, ok := raw.MessageAttributes[sqsAvailableAtHeader]; ok {
		if ms, err := strconv.ParseInt(aws.ToString(attr.StringValue), 10, 64); err == nil {
			if remaining := time.UnixMilli(ms).Sub(now); remaining > 0 {
				q.hide(ctx, queue, url, handle, min(remaining, sqsMaxVisibility))
				return nil, false
			}
		}
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		q.log.Warn("discarding malformed queue message", "queue", queue, "msg_id", aws.ToString(raw.MessageId), "error", err)
		if archiveErr := q.Archive(ctx, queue, handle); archiveErr != nil {
			q.log.Warn("failed to archive malformed queue message", "queue", queue, "error", archiveErr)
		}
		return nil, false
	}
	readCount, _ := strconv.Atoi(raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	return &Delivery{
		ID:           handle,
		Queue:        queue,
		Message:      msg,
		ReadCount:    readCount,
		VisibleUntil: now.Add(visibility),
	}, true
}

func (q *SQSQueue) hide(ctx context.Context, queue, url, handle string, d time.Duration) {
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err := q.client.ChangeMessageVisibility(opCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(ceilSeconds(d)),
	})
	if err != nil {
		q.log.Warn("failed to defer delayed sqs message", "queue", queue, "error", err)
	}
}

func (q *SQSQueue) ExtendVisibility(ctx context.Context, queue, msgID string, timeout time.Duration) (deadline time.Time, err error) {
	defer func() { recordOperation(sqsBackend, queue, "extend", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return time.Time{}, err
	}
	if err := q.ensureOpen(); err != nil {
		return time.Time{}, err
	}
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	timeout = min(normalizeVisibility(timeout), sqsMaxVisibility)

	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err = q.client.ChangeMessageVisibility(opCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(msgID),
		VisibilityTimeout: int32(ceilSeconds(timeout)),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		var notInFlight *types.MessageNotInflight
		if errors.As(err, &invalid) || errors.As(err, &notInFlight) {
			return time.Time{}, queueError(ErrNotFound, "message is not in flight")
		}
		return time.Time{}, fmt.Errorf("change sqs message visibility failed: %w", err)
	}
	return q.now().UTC().Add(timeout), nil
}

func (q *SQSQueue) Archive(ctx context.Context, queue, msgID string) (err error) {
	defer func() { recordOperation(sqsBackend, queue, "archive", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	_, err = q.client.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msgID),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return nil
		}
		return fmt.Errorf("delete sqs message failed: %w", err)
	}
	recordArchived(sqsBackend, name, 1)
	return nil
}

func (q *SQSQueue) ArchiveBatch(ctx context.Context, queue string, msgIDs []string) (err error) {
	defer func() { recordOperation(sqsBackend, queue, "archive", err) }()
	name, err := validateQueueName(queue)
	if err != nil {
		return err
	}
	if len(msgIDs) == 0 {
		return nil
	}
	if err := q.ensureOpen(); err != nil {
		return err
	}
	url, err := q.queueURL(ctx, name)
	if err != nil {
		return err
	}

	var errs []error
	for start := 0; start < len(msgIDs); start += sqsMaxDeleteBatch {
		chunk := msgIDs[start:min(start+sqsMaxDeleteBatch, len(msgIDs))]
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(chunk))
		for i, handle := range chunk {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(handle),
			})
		}
		opCtx, cancel := q.operationContext(ctx)
		out, batchErr := q.client.DeleteMessageBatch(opCtx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries,
		})
		cancel()
		if batchErr != nil {
			errs = append(errs, fmt.Errorf("delete sqs message batch failed: %w", batchErr))
			continue
		}
		recordArchived(sqsBackend, name, len(out.Successful))
		for _, failed := range out.Failed {
			if aws.ToString(failed.Code) == "ReceiptHandleIsInvalid" {
				continue
			}
			errs = append(errs, fmt.Errorf("delete sqs message %s failed: %s", aws.ToString(failed.Id), aws.ToString(failed.Message)))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck lists at most one queue to verify credentials and reachability.
func (q *SQSQueue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	if _, err := q.client.ListQueues(opCtx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)}); err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

func (q *SQSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *SQSQueue) queueURL(ctx context.Context, name string) (string, error) {
	q.mu.RLock()
	url, ok := q.urls[name]
	q.mu.RUnlock()
	if ok {
		return url, nil
	}

	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	out, err := q.client.GetQueueUrl(opCtx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", queueError(ErrNotFound, "sqs queue "+name+" does not exist")
		}
		return "", fmt.Errorf("resolve sqs queue url failed: %w", err)
	}
	url = aws.ToString(out.QueueUrl)
	q.mu.Lock()
	q.urls[name] = url
	q.mu.Unlock()
	return url, nil
}

func (q *SQSQueue) ensureOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *SQSQueue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
