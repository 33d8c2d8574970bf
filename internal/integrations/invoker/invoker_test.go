package invoker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/require"
)

type fakeLambda struct {
	out    *awslambda.InvokeOutput
	err    error
	lastIn *awslambda.InvokeInput
}

func (f *fakeLambda) Invoke(_ context.Context, in *awslambda.InvokeInput, _ ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

type fakeSNS struct {
	err    error
	lastIn *sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.lastIn = in
	return &sns.PublishOutput{}, f.err
}

func TestLambda_InvokeAsync(t *testing.T) {
	api := &fakeLambda{out: &awslambda.InvokeOutput{StatusCode: http.StatusAccepted}}
	inv, err := NewLambda(api)
	require.NoError(t, err)

	require.NoError(t, inv.Invoke(context.Background(), "studentq-GetStudentCourses", []byte(`{"a":1}`)))
	require.Equal(t, "studentq-GetStudentCourses", *api.lastIn.FunctionName)
	require.Equal(t, lambdatypes.InvocationTypeEvent, api.lastIn.InvocationType)
	require.JSONEq(t, `{"a":1}`, string(api.lastIn.Payload))
}

func TestLambda_Errors(t *testing.T) {
	inv, err := NewLambda(&fakeLambda{err: errors.New("throttled")})
	require.NoError(t, err)
	require.ErrorContains(t, inv.Invoke(context.Background(), "fn", nil), "throttled")

	inv, err = NewLambda(&fakeLambda{out: &awslambda.InvokeOutput{StatusCode: http.StatusOK}})
	require.NoError(t, err)
	require.ErrorContains(t, inv.Invoke(context.Background(), "fn", nil), "unexpected status")

	require.ErrorContains(t, inv.Invoke(context.Background(), " ", nil), "required")

	_, err = NewLambda(nil)
	require.Error(t, err)
}

func TestSNS_PublishesWithTargetAttribute(t *testing.T) {
	api := &fakeSNS{}
	inv, err := NewSNS(api, "arn:aws:sns:us-east-1:123:workers")
	require.NoError(t, err)

	require.NoError(t, inv.Invoke(context.Background(), "GetStudentData", []byte(`{"x":true}`)))
	require.Equal(t, "arn:aws:sns:us-east-1:123:workers", *api.lastIn.TopicArn)
	require.Equal(t, `{"x":true}`, *api.lastIn.Message)
	attr := api.lastIn.MessageAttributes[TargetAttribute]
	require.Equal(t, "String", *attr.DataType)
	require.Equal(t, "GetStudentData", *attr.StringValue)
}

func TestSNS_Errors(t *testing.T) {
	_, err := NewSNS(&fakeSNS{}, " ")
	require.Error(t, err)
	_, err = NewSNS(nil, "arn")
	require.Error(t, err)

	inv, err := NewSNS(&fakeSNS{err: errors.New("denied")}, "arn")
	require.NoError(t, err)
	require.ErrorContains(t, inv.Invoke(context.Background(), "t", nil), "denied")
}

func TestLocal_RunsRegisteredHandlers(t *testing.T) {
	inv := NewLocal()
	var calls atomic.Int32
	var got atomic.Value
	inv.Register("worker", func(_ context.Context, payload []byte) {
		calls.Add(1)
		got.Store(string(payload))
	})

	ctx, cancel := context.WithCancel(context.Background())
	payload := []byte("p1")
	require.NoError(t, inv.Invoke(ctx, "worker", payload))
	payload[0] = 'x'
	cancel()
	inv.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "p1", got.Load())
}

func TestLocal_UnknownTarget(t *testing.T) {
	require.ErrorContains(t, NewLocal().Invoke(context.Background(), "missing", nil), "no local handler")
}
