package s3

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*s3.PutObjectOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestArchive(t *testing.T) {
	at := time.Date(2025, 4, 7, 3, 0, 0, 0, time.UTC)
	putter := new(mockPutter)
	putter.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		if *in.Bucket != "billing-reports" || *in.Key != "sweeps/2025/04/07/sweep-20250407T030000Z.json" {
			return false
		}
		body, err := io.ReadAll(in.Body)
		if err != nil {
			return false
		}
		var got map[string]any
		return json.Unmarshal(body, &got) == nil && got["checked"] == float64(3)
	})).Return(&s3.PutObjectOutput{}, nil)

	archive := newReportArchive(putter, "billing-reports", "sweeps")
	key, err := archive.Archive(context.Background(), "sweep", at, map[string]int{"checked": 3})
	require.NoError(t, err)
	assert.Equal(t, "sweeps/2025/04/07/sweep-20250407T030000Z.json", key)
	putter.AssertExpectations(t)
}

func TestArchiveUploadFailure(t *testing.T) {
	putter := new(mockPutter)
	putter.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))

	archive := newReportArchive(putter, "billing-reports", "")
	_, err := archive.Archive(context.Background(), "sweep", time.Now(), struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestArchiveEncodeFailure(t *testing.T) {
	archive := newReportArchive(new(mockPutter), "billing-reports", "sweeps")
	_, err := archive.Archive(context.Background(), "sweep", time.Now(), make(chan int))
	assert.Error(t, err)
}
