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

const (
	skAggregation        = "AGGREGATION"
	aggregationRetention = 24 * time.Hour
)

// DynamoAggregations keeps aggregation state as one item per turn and relies
// on conditional updates so concurrent arrivals never overwrite a forwarded turn.
type DynamoAggregations struct {
	api       DynamoAPI
	tableName string
}

func NewDynamoAggregations(api DynamoAPI, tableName string) (*DynamoAggregations, error) {
	if err := validateTable(api, tableName); err != nil {
		return nil, err
	}
	return &DynamoAggregations{api: api, tableName: tableName}, nil
}

func aggregationKey(correlationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": s("TURN#" + correlationID),
		"SK": s(skAggregation),
	}
}

// Register creates the state record. It reports false when the turn was
// already registered; the stored expected set is left untouched.
func (d *DynamoAggregations) Register(ctx context.Context, st domain.AggregationState) (bool, error) {
	if strings.TrimSpace(st.CorrelationID) == "" {
		return false, errors.New("repository: Register: correlationId is required")
	}
	if len(st.Expected) == 0 {
		return false, errors.New("repository: Register: expected sources are required")
	}

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                aggregationItem(st),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if _, ok := conditionFailed(err); ok {
			return false, nil
		}
		return false, fmt.Errorf("repository: Register: %w", err)
	}
	return true, nil
}

// Record stores resp under its source while the turn is collecting. A
// repeated source replaces the earlier result.
func (d *DynamoAggregations) Record(ctx context.Context, resp domain.WorkerResponse) (domain.AggregationState, error) {
	result := map[string]types.AttributeValue{
		"status": s(string(resp.Status)),
	}
	if len(resp.Data) > 0 {
		result["data"] = s(string(resp.Data))
	}

	out, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 aggregationKey(resp.CorrelationID),
		UpdateExpression:    aws.String("SET #responses.#source = :result"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :collecting AND contains(#expected, :source)"),
		ExpressionAttributeNames: map[string]string{
			"#responses": "responses",
			"#source":    string(resp.Source),
			"#status":    "status",
			"#expected":  "expected",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":result":     &types.AttributeValueMemberM{Value: result},
			":collecting": s(string(domain.AggregationCollecting)),
			":source":     s(string(resp.Source)),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if ccf, ok := conditionFailed(err); ok {
			return domain.AggregationState{}, rejection(ccf.Item)
		}
		return domain.AggregationState{}, fmt.Errorf("repository: Record: %w", err)
	}

	st, err := itemToAggregation(out.Attributes)
	if err != nil {
		return domain.AggregationState{}, fmt.Errorf("repository: Record unmarshal: %w", err)
	}
	return st, nil
}

// rejection explains why a conditional Record failed, based on the old item.
func rejection(old map[string]types.AttributeValue) error {
	if len(old) == 0 {
		return domain.ErrTurnNotFound
	}
	status, _ := strAttr(old, "status")
	if status != string(domain.AggregationCollecting) {
		return domain.ErrTurnClosed
	}
	return domain.ErrUnexpectedSource
}

// Forward moves a collecting turn to status. Only the caller that performs
// the transition gets true.
func (d *DynamoAggregations) Forward(ctx context.Context, correlationID string, status domain.AggregationStatus) (domain.AggregationState, bool, error) {
	if !status.Terminal() {
		return domain.AggregationState{}, false, fmt.Errorf("repository: Forward: %q is not a terminal status", status)
	}

	out, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 aggregationKey(correlationID),
		UpdateExpression:    aws.String("SET #status = :terminal"),
		ConditionExpression: aws.String("#status = :collecting"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":terminal":   s(string(status)),
			":collecting": s(string(domain.AggregationCollecting)),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if ccf, ok := conditionFailed(err); ok {
			if len(ccf.Item) == 0 {
				return domain.AggregationState{}, false, domain.ErrTurnNotFound
			}
			st, err := itemToAggregation(ccf.Item)
			if err != nil {
				return domain.AggregationState{}, false, fmt.Errorf("repository: Forward unmarshal: %w", err)
			}
			return st, false, nil
		}
		return domain.AggregationState{}, false, fmt.Errorf("repository: Forward: %w", err)
	}

	st, err := itemToAggregation(out.Attributes)
	if err != nil {
		return domain.AggregationState{}, false, fmt.Errorf("repository: Forward unmarshal: %w", err)
	}
	return st, true, nil
}

// Expired lists up to limit collecting turns whose deadline is at or before now.
func (d *DynamoAggregations) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	in := &dynamodb.ScanInput{
		TableName:            aws.String(d.tableName),
		FilterExpression:     aws.String("SK = :sk AND #status = :collecting AND deadline <= :now"),
		ProjectionExpression: aws.String("correlationId"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk":         s(skAggregation),
			":collecting": s(string(domain.AggregationCollecting)),
			":now":        n(now.UnixMilli()),
		},
	}

	var ids []string
	for {
		out, err := d.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Expired scan: %w", err)
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "correlationId")
			if err != nil {
				return nil, fmt.Errorf("repository: Expired unmarshal: %w", err)
			}
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func aggregationItem(st domain.AggregationState) map[string]types.AttributeValue {
	expected := make([]string, 0, len(st.Expected))
	for _, src := range domain.SortSources(st.Expected) {
		expected = append(expected, string(src))
	}
	item := aggregationKey(st.CorrelationID)
	item["correlationId"] = s(st.CorrelationID)
	item["userId"] = s(st.UserID)
	item["message"] = s(st.Message)
	item["expected"] = &types.AttributeValueMemberSS{Value: expected}
	item["responses"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
	item["status"] = s(string(domain.AggregationCollecting))
	item["deadline"] = n(st.Deadline.UnixMilli())
	item["ttl"] = n(st.Deadline.Add(aggregationRetention).Unix())
	return item
}

func itemToAggregation(item map[string]types.AttributeValue) (domain.AggregationState, error) {
	corrID, err := strAttr(item, "correlationId")
	if err != nil {
		return domain.AggregationState{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.AggregationState{}, err
	}
	message, _ := strAttr(item, "message") // allow empty
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.AggregationState{}, err
	}
	deadline, err := millisAttr(item, "deadline")
	if err != nil {
		return domain.AggregationState{}, err
	}

	st := domain.AggregationState{
		CorrelationID: corrID,
		UserID:        userID,
		Message:       message,
		Status:        domain.AggregationStatus(status),
		Deadline:      deadline,
		Results:       map[domain.Source]domain.WorkerResult{},
	}

	expected, ok := item["expected"].(*types.AttributeValueMemberSS)
	if !ok {
		return domain.AggregationState{}, errors.New(`repository: attribute "expected" is not a string set`)
	}
	for _, v := range expected.Value {
		st.Expected = append(st.Expected, domain.Source(v))
	}
	st.Expected = domain.SortSources(st.Expected)

	if raw, ok := item["responses"]; ok {
		responses, ok := raw.(*types.AttributeValueMemberM)
		if !ok {
			return domain.AggregationState{}, errors.New(`repository: attribute "responses" is not a map`)
		}
		for src, v := range responses.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return domain.AggregationState{}, fmt.Errorf("repository: response %q is not a map", src)
			}
			status, err := strAttr(m.Value, "status")
			if err != nil {
				return domain.AggregationState{}, err
			}
			res := domain.WorkerResult{Status: domain.WorkerStatus(status)}
			if data, err := strAttr(m.Value, "data"); err == nil {
				res.Data = []byte(data)
			}
			st.Results[domain.Source(src)] = res
		}
	}
	return st, nil
}
