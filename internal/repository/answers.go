package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"student-query-agent/internal/domain"
)

const answerTTL = 30 * 24 * time.Hour

// Answers writes final answer records to the responses table, keyed by CorrelationId.
type Answers struct {
	api       DynamoAPI
	tableName string
}

func NewAnswers(api DynamoAPI, tableName string) (*Answers, error) {
	if err := validateTable(api, tableName); err != nil {
		return nil, err
	}
	return &Answers{api: api, tableName: tableName}, nil
}

// PutAnswer stores the record once; a repeated write for the same
// correlation id keeps the first answer.
func (a *Answers) PutAnswer(ctx context.Context, ans domain.FinalAnswer) error {
	if strings.TrimSpace(ans.CorrelationID) == "" {
		return errors.New("repository: PutAnswer: correlationId is required")
	}
	_, err := a.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.tableName),
		Item:                answerItem(ans),
		ConditionExpression: aws.String("attribute_not_exists(CorrelationId)"),
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return nil
		}
		return fmt.Errorf("repository: PutAnswer: %w", err)
	}
	return nil
}

func answerItem(ans domain.FinalAnswer) map[string]types.AttributeValue {
	created := ans.CreatedAt.UTC()
	return map[string]types.AttributeValue{
		"CorrelationId": s(ans.CorrelationID),
		"Timestamp":     s(created.Format(time.RFC3339Nano)),
		"UserId":        s(ans.UserID),
		"Question":      s(ans.Question),
		"Answer":        s(ans.Answer),
		"TTL":           n(created.Add(answerTTL).Unix()),
	}
}
