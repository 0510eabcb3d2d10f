package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ SecretProvider = (*SSMProvider)(nil)
	_ SecretProvider = (*EnvVarProvider)(nil)
)

type fakeSSM struct {
	values  map[string]string
	invalid []string
	err     error
	batches [][]string
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, in.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{InvalidParameters: f.invalid}
	for _, n := range in.Names {
		if v, ok := f.values[n]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(n), Value: aws.String(v)})
		}
	}
	return out, nil
}

func TestSSMProvider_Batches(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{}}
	keys := make([]string, 0, 23)
	for i := 0; i < 23; i++ {
		k := fmt.Sprintf("/prod/p%02d", i)
		keys = append(keys, k)
		fake.values[k] = "v" + k
	}

	p := newSSMProviderWithClient("us-east-1", fake)
	got, err := p.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)

	assert.Len(t, got, 23)
	require.Len(t, fake.batches, 3)
	assert.Len(t, fake.batches[0], 10)
	assert.Len(t, fake.batches[2], 3)
}

func TestSSMProvider_Errors(t *testing.T) {
	t.Run("invalid parameters", func(t *testing.T) {
		p := newSSMProviderWithClient("us-east-1", &fakeSSM{invalid: []string{"/missing"}})
		_, err := p.GetParametersBatch(context.Background(), []string{"/missing"})
		assert.ErrorContains(t, err, "/missing")
	})

	t.Run("api failure", func(t *testing.T) {
		boom := errors.New("AccessDenied")
		p := newSSMProviderWithClient("us-east-1", &fakeSSM{err: boom})
		_, err := p.GetParametersBatch(context.Background(), []string{"/a"})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty keys skip the client", func(t *testing.T) {
		fake := &fakeSSM{}
		p := newSSMProviderWithClient("us-east-1", fake)
		got, err := p.GetParametersBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, fake.batches)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := newSSMProviderWithClient("us-east-1", &fakeSSM{})
		_, err := p.GetParametersBatch(ctx, []string{"/a"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEnvVarProvider(t *testing.T) {
	t.Setenv("NOTIFY_TEST_SECRET", "hunter2")

	got, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{"NOTIFY_TEST_SECRET", "NOTIFY_TEST_ABSENT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NOTIFY_TEST_SECRET": "hunter2"}, got)
}
