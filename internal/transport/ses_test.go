package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

type mockSES struct {
	mock.Mock
}

func (m *mockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*ses.SendEmailOutput)
	return out, args.Error(1)
}

func TestSESSendReturnsMessageID(t *testing.T) {
	client := &mockSES{}
	client.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		return in.Destination.ToAddresses[0] == "ann@example.com" &&
			aws.ToString(in.Source) == "events@presents.test" &&
			aws.ToString(in.Message.Subject.Data) == "Hello"
	})).Return(&ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil)

	tr := NewSESTransport(client, "events@presents.test", zap.NewNop())
	id, err := tr.Send(context.Background(), Message{To: "ann@example.com", Subject: "Hello", Body: "Hi"})

	require.NoError(t, err)
	assert.Equal(t, "ses-1", id)
	client.AssertExpectations(t)
}

func TestSESSendsPlainTextOnly(t *testing.T) {
	client := &mockSES{}
	body := "Hi Ann,\n\nStalls open at 8 & close at 5 <sharp>."
	client.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		return in.Message.Body.Html == nil && aws.ToString(in.Message.Body.Text.Data) == body
	})).Return(&ses.SendEmailOutput{MessageId: aws.String("ses-2")}, nil)

	_, err := NewSESTransport(client, "from@x", zap.NewNop()).Send(context.Background(), Message{To: "ann@example.com", Body: body})

	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestSESRejectionIsPermanent(t *testing.T) {
	client := &mockSES{}
	client.On("SendEmail", mock.Anything, mock.Anything).
		Return(nil, &types.MessageRejected{Message: aws.String("bad address")})

	_, err := NewSESTransport(client, "from@x", zap.NewNop()).Send(context.Background(), Message{To: "a@b.c"})

	require.Error(t, err)
	assert.False(t, appErrors.IsRetryable(err))
}

func TestSESNetworkErrorIsRetryable(t *testing.T) {
	client := &mockSES{}
	client.On("SendEmail", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := NewSESTransport(client, "from@x", zap.NewNop()).Send(context.Background(), Message{To: "a@b.c"})

	require.Error(t, err)
	assert.True(t, appErrors.IsRetryable(err))
}

func TestLogTransportAlwaysAccepts(t *testing.T) {
	id, err := NewLogTransport(zap.NewNop()).Send(context.Background(), Message{To: "a@b.c"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "log-"))
}
