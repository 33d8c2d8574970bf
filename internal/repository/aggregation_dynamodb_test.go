package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"student-query-agent/internal/domain"
)

func mustNewDynamoAggregations(t *testing.T, db *fakeDynamo) *DynamoAggregations {
	t.Helper()
	d, err := NewDynamoAggregations(db, "state-table")
	require.NoError(t, err)
	return d
}

func sampleAggregation() domain.AggregationState {
	return domain.AggregationState{
		CorrelationID: "abc",
		UserID:        "42",
		Message:       "What's my GPA?",
		Expected:      []domain.Source{domain.SourceStudentCourses, domain.SourceStudentData},
		Deadline:      testNow.Add(20 * time.Second),
	}
}

func storedAggregation(status domain.AggregationStatus, responses map[string]types.AttributeValue) map[string]types.AttributeValue {
	item := aggregationItem(sampleAggregation())
	item["status"] = s(string(status))
	item["responses"] = &types.AttributeValueMemberM{Value: responses}
	return item
}

func TestDynamoRegister_WritesCollectingItem(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamoAggregations(t, db)

	created, err := d.Register(context.Background(), sampleAggregation())
	require.NoError(t, err)
	require.True(t, created)

	item := db.lastPutInput.Item
	require.Equal(t, "TURN#abc", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skAggregation, item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "collecting", item["status"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, []string{"GetStudentData", "GetStudentCourses"}, item["expected"].(*types.AttributeValueMemberSS).Value)
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
}

func TestDynamoRegister_AlreadyRegistered(t *testing.T) {
	d := mustNewDynamoAggregations(t, &fakeDynamo{putErr: conditionalFailure(nil)})
	created, err := d.Register(context.Background(), sampleAggregation())
	require.NoError(t, err)
	require.False(t, created)
}

func TestDynamoRegister_Validation(t *testing.T) {
	d := mustNewDynamoAggregations(t, &fakeDynamo{})
	st := sampleAggregation()
	st.Expected = nil
	_, err := d.Register(context.Background(), st)
	require.ErrorContains(t, err, "expected sources")

	d = mustNewDynamoAggregations(t, &fakeDynamo{putErr: errors.New("boom")})
	_, err = d.Register(context.Background(), sampleAggregation())
	require.ErrorContains(t, err, "Register")
}

func TestDynamoRecord_ReturnsUpdatedState(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{
		Attributes: storedAggregation(domain.AggregationCollecting, map[string]types.AttributeValue{
			"GetStudentCourses": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"status": s("success"),
				"data":   s(`{"gpa":3.8}`),
			}},
		}),
	}}
	d := mustNewDynamoAggregations(t, db)

	st, err := d.Record(context.Background(), domain.WorkerResponse{
		CorrelationID: "abc",
		Source:        domain.SourceStudentCourses,
		Data:          []byte(`{"gpa":3.8}`),
		Status:        domain.WorkerStatusSuccess,
	})
	require.NoError(t, err)
	require.Equal(t, []domain.Source{domain.SourceStudentData}, st.Outstanding())
	require.JSONEq(t, `{"gpa":3.8}`, string(st.Results[domain.SourceStudentCourses].Data))

	in := db.lastUpdateInput
	require.Equal(t, "SET #responses.#source = :result", *in.UpdateExpression)
	require.Equal(t, "GetStudentCourses", in.ExpressionAttributeNames["#source"])
	require.Contains(t, *in.ConditionExpression, "#status = :collecting")
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
}

func TestDynamoRecord_Rejections(t *testing.T) {
	resp := domain.WorkerResponse{CorrelationID: "abc", Source: domain.SourceProgramDetails, Status: domain.WorkerStatusSuccess}

	cases := []struct {
		name string
		old  map[string]types.AttributeValue
		want error
	}{
		{name: "unknown turn", old: nil, want: domain.ErrTurnNotFound},
		{name: "forwarded", old: storedAggregation(domain.AggregationComplete, nil), want: domain.ErrTurnClosed},
		{name: "source not dispatched", old: storedAggregation(domain.AggregationCollecting, nil), want: domain.ErrUnexpectedSource},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := mustNewDynamoAggregations(t, &fakeDynamo{updateErr: conditionalFailure(tc.old)})
			_, err := d.Record(context.Background(), resp)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDynamoForward_Transition(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{
		Attributes: storedAggregation(domain.AggregationTimedOut, map[string]types.AttributeValue{}),
	}}
	d := mustNewDynamoAggregations(t, db)

	st, forwarded, err := d.Forward(context.Background(), "abc", domain.AggregationTimedOut)
	require.NoError(t, err)
	require.True(t, forwarded)
	require.Equal(t, domain.AggregationTimedOut, st.Status)
	require.Equal(t, "#status = :collecting", *db.lastUpdateInput.ConditionExpression)
}

func TestDynamoForward_AlreadyForwarded(t *testing.T) {
	d := mustNewDynamoAggregations(t, &fakeDynamo{
		updateErr: conditionalFailure(storedAggregation(domain.AggregationComplete, nil)),
	})
	st, forwarded, err := d.Forward(context.Background(), "abc", domain.AggregationTimedOut)
	require.NoError(t, err)
	require.False(t, forwarded)
	require.Equal(t, domain.AggregationComplete, st.Status)
}

func TestDynamoForward_Errors(t *testing.T) {
	d := mustNewDynamoAggregations(t, &fakeDynamo{updateErr: conditionalFailure(nil)})
	_, _, err := d.Forward(context.Background(), "abc", domain.AggregationComplete)
	require.ErrorIs(t, err, domain.ErrTurnNotFound)

	_, _, err = d.Forward(context.Background(), "abc", domain.AggregationCollecting)
	require.ErrorContains(t, err, "not a terminal status")
}

func TestDynamoExpired_PagesUntilLimit(t *testing.T) {
	db := &fakeDynamo{scanOuts: []*dynamodb.ScanOutput{
		{
			Items:            []map[string]types.AttributeValue{{"correlationId": s("a")}},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": s("TURN#a")},
		},
		{
			Items: []map[string]types.AttributeValue{{"correlationId": s("b")}, {"correlationId": s("c")}},
		},
	}}
	d := mustNewDynamoAggregations(t, db)

	ids, err := d.Expired(context.Background(), testNow, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
	require.Len(t, db.scanInputs, 2)
	require.Contains(t, *db.scanInputs[0].FilterExpression, "deadline <= :now")
}

func TestDynamoExpired_ScanError(t *testing.T) {
	d := mustNewDynamoAggregations(t, &fakeDynamo{scanErr: errors.New("throttled")})
	_, err := d.Expired(context.Background(), testNow, 0)
	require.ErrorContains(t, err, "Expired scan")
}
