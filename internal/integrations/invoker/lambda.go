package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// lambdaAPI is the minimal Lambda interface required by Lambda.
type lambdaAPI interface {
	Invoke(ctx context.Context, in *awslambda.InvokeInput, optFns ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error)
}

// Lambda invokes functions with InvocationType=Event; target is the function name or ARN.
type Lambda struct {
	api lambdaAPI
}

func NewLambda(api lambdaAPI) (*Lambda, error) {
	if api == nil {
		return nil, errors.New("invoker: lambda api must not be nil")
	}
	return &Lambda{api: api}, nil
}

func (l *Lambda) Invoke(ctx context.Context, target string, payload []byte) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("invoker: lambda target is required")
	}
	out, err := l.api.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName:   aws.String(target),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("invoker: invoke %q: %w", target, err)
	}
	if out == nil {
		return fmt.Errorf("invoker: invoke %q: empty response", target)
	}
	if out.StatusCode != http.StatusAccepted {
		return fmt.Errorf("invoker: invoke %q: unexpected status %d", target, out.StatusCode)
	}
	return nil
}
