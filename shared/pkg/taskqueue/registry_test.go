package taskqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/resident/pkg/codec"
	"github.com/psantana5/resident/pkg/models"
)

type sumArgs struct {
	Numbers []int `cbor:"numbers"`
}

func TestRegistryTask(t *testing.T) {
	handlers := NewRegistry()
	handlers.Register("sum", Typed(func(ctx context.Context, args sumArgs) (any, error) {
		total := 0
		for _, n := range args.Numbers {
			total += n
		}
		return total, nil
	}))
	handlers.Register("echo", func(ctx context.Context, payload []byte) (any, error) {
		return payload, nil
	})

	assert.Equal(t, []string{"echo", "sum"}, handlers.Names())
	assert.True(t, handlers.Has("sum"))
	assert.False(t, handlers.Has("missing"))

	payload, err := codec.Marshal(sumArgs{Numbers: []int{1, 2, 3}})
	require.NoError(t, err)

	job, err := handlers.Task(models.NewTask("sum", payload, 1))
	require.NoError(t, err)
	assert.Contains(t, job.String(), "sum[")

	value, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, value)
}

func TestRegistryUnknownTask(t *testing.T) {
	_, err := NewRegistry().Task(models.NewTask("missing", nil, 1))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTypedRejectsInvalidPayload(t *testing.T) {
	handler := Typed(func(ctx context.Context, args sumArgs) (any, error) {
		return nil, errors.New("should not run")
	})

	_, err := handler(context.Background(), []byte{0xff})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload")
}
