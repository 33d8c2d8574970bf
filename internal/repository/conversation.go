package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"student-query-agent/internal/domain"
)

const skPrefixTurn = "TURN#"

// Conversations stores conversation turns in a single DynamoDB table.
// Items live under USER#<userId> with one sort key per (correlationId, role),
// so retried writes of the same turn are no-ops. Expiry is enforced on read;
// the ttl attribute only lets DynamoDB purge the item later.
type Conversations struct {
	api       DynamoAPI
	tableName string
}

func NewConversations(api DynamoAPI, tableName string) (*Conversations, error) {
	if err := validateTable(api, tableName); err != nil {
		return nil, err
	}
	return &Conversations{api: api, tableName: tableName}, nil
}

func userPK(userID string) string {
	return "USER#" + userID
}

func turnSK(correlationID string, role domain.Role) string {
	return skPrefixTurn + correlationID + "#" + string(role)
}

// PutTurn writes turn once. A second write for the same (correlationId, role)
// leaves the first one in place and is not an error.
func (c *Conversations) PutTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if strings.TrimSpace(turn.UserID) == "" || strings.TrimSpace(turn.CorrelationID) == "" {
		return errors.New("repository: PutTurn: userId and correlationId are required")
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("repository: PutTurn: invalid role %q", turn.Role)
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return nil
		}
		return fmt.Errorf("repository: PutTurn: %w", err)
	}
	return nil
}

// ListTurns returns the user's turns that are unexpired at now, oldest first.
func (c *Conversations) ListTurns(ctx context.Context, userID string, now time.Time) ([]domain.ConversationTurn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(userPK(userID)),
			":prefix": s(skPrefixTurn),
			":now":    n(now.UnixMilli()),
		},
		ConsistentRead: aws.Bool(true),
	}

	var turns []domain.ConversationTurn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			if turn.Expired(now) {
				continue
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sortTurns(turns)
	return turns, nil
}

// sortTurns orders by createdAt; user precedes assistant within one turn.
func sortTurns(turns []domain.ConversationTurn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if !turns[i].CreatedAt.Equal(turns[j].CreatedAt) {
			return turns[i].CreatedAt.Before(turns[j].CreatedAt)
		}
		return turns[i].Role == domain.RoleUser && turns[j].Role == domain.RoleAssistant
	})
}

func turnItem(turn domain.ConversationTurn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            s(userPK(turn.UserID)),
		"SK":            s(turnSK(turn.CorrelationID, turn.Role)),
		"userId":        s(turn.UserID),
		"correlationId": s(turn.CorrelationID),
		"role":          s(string(turn.Role)),
		"content":       s(turn.Content),
		"createdAt":     n(turn.CreatedAt.UnixMilli()),
		"expiresAt":     n(turn.ExpiresAt.UnixMilli()),
		"ttl":           n(turn.ExpiresAt.Unix()),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	corrID, err := strAttr(item, "correlationId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	createdAt, err := millisAttr(item, "createdAt")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	expiresAt, err := millisAttr(item, "expiresAt")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	return domain.ConversationTurn{
		UserID:        userID,
		CorrelationID: corrID,
		Role:          domain.Role(role),
		Content:       content,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
	}, nil
}
