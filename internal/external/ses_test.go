package external

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/types"
)

type mockSESAPI struct {
	captured *sesv2.SendEmailInput
	out      *sesv2.SendEmailOutput
	err      error
}

func (m *mockSESAPI) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

func testSendInput() types.SendInput {
	return types.SendInput{
		To:          "ada@example.org",
		From:        types.SenderIdentity{Name: "Springfield News", Address: "news@example.org"},
		Subject:     "Town news",
		BodyHTML:    "<p>Hello</p>",
		ReferenceID: "0b6a4c1e-2f0d-4f55-9d7e-3f3b8b1f0a11",
	}
}

func TestSESSend_Success(t *testing.T) {
	api := &mockSESAPI{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}}
	client := NewSESClientWithAPI(api, SESClientConfig{ConfigSetName: "notify-events"})

	msgID, err := client.Send(context.Background(), testSendInput())
	require.NoError(t, err)
	assert.Equal(t, "ses-msg-1", msgID)

	in := api.captured
	require.NotNil(t, in)
	assert.Equal(t, `"Springfield News" <news@example.org>`, aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"ada@example.org"}, in.Destination.ToAddresses)
	assert.Equal(t, "Town news", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>Hello</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Nil(t, in.Content.Simple.Body.Text, "empty text body is omitted")
	assert.Equal(t, "notify-events", aws.ToString(in.ConfigurationSetName))
	require.Len(t, in.EmailTags, 1)
	assert.Equal(t, "tracking_id", aws.ToString(in.EmailTags[0].Name))
}

func TestSESSend_BareAddressAndNoTags(t *testing.T) {
	api := &mockSESAPI{out: &sesv2.SendEmailOutput{}}
	input := testSendInput()
	input.From.Name = ""
	input.ReferenceID = ""

	msgID, err := NewSESClientWithAPI(api, SESClientConfig{}).Send(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, msgID)
	assert.Equal(t, "news@example.org", aws.ToString(api.captured.FromEmailAddress))
	assert.Empty(t, api.captured.EmailTags)
	assert.Nil(t, api.captured.ConfigurationSetName)
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("suppressed")}, types.ErrCodeEmailBlocked},
		{"throttled", &sestypes.TooManyRequestsException{Message: aws.String("slow")}, types.ErrCodeUpstreamRateLimited},
		{"paused", &sestypes.SendingPausedException{Message: aws.String("paused")}, types.ErrCodeUpstreamUnavailable},
		{"wrapped rejection", fmt.Errorf("op: %w", &sestypes.MessageRejected{}), types.ErrCodeEmailBlocked},
		{"other", errors.New("boom"), types.ErrCodeUpstreamEmailProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockSESAPI{err: tt.err}
			_, err := NewSESClientWithAPI(api, SESClientConfig{}).Send(context.Background(), testSendInput())
			require.Error(t, err)
			assert.Equal(t, tt.want, types.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
