package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// TargetAttribute is the SNS message attribute subscriptions filter on.
const TargetAttribute = "target"

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes every payload to one topic, tagging it with the target so
// each subscriber receives only its own work.
type SNS struct {
	api      snsAPI
	topicARN string
}

func NewSNS(api snsAPI, topicARN string) (*SNS, error) {
	if api == nil {
		return nil, errors.New("invoker: sns api must not be nil")
	}
	topicARN = strings.TrimSpace(topicARN)
	if topicARN == "" {
		return nil, errors.New("invoker: topic ARN must not be empty")
	}
	return &SNS{api: api, topicARN: topicARN}, nil
}

func (s *SNS) Invoke(ctx context.Context, target string, payload []byte) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("invoker: sns target is required")
	}
	_, err := s.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			TargetAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(target),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("invoker: publish to %q: %w", target, err)
	}
	return nil
}
