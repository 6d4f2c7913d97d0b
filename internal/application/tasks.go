package application

import (
	"context"
	"errors"

	"github.com/psantana5/resident/pkg/codec"
	"github.com/psantana5/resident/pkg/taskqueue"
)

// SumArgs is the payload of the sum task
type SumArgs struct {
	Numbers []float64 `cbor:"numbers" json:"numbers"`
}

// RegisterTasks adds the demo task handlers to r
func RegisterTasks(r *taskqueue.Registry) {
	r.Register("echo", echo)
	r.Register("sum", taskqueue.Typed(sum))
}

// echo returns its payload unchanged
func echo(ctx context.Context, payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := codec.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func sum(ctx context.Context, args SumArgs) (any, error) {
	if len(args.Numbers) == 0 {
		return nil, errors.New("sum needs at least one number")
	}
	total := 0.0
	for _, n := range args.Numbers {
		total += n
	}
	return map[string]any{"total": total}, nil
}
