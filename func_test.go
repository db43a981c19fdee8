// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Composed pipelines thread values through each stage and stop at the
// first failure.
func TestCompose(t *testing.T) {
	parse := FuncAdapter[string, int](func(ctx context.Context, input string) (int, error) {
		return strconv.Atoi(input)
	})
	double := FuncAdapter[int, int](func(ctx context.Context, input int) (int, error) {
		return input * 2, nil
	})
	render := FuncAdapter[int, string](func(ctx context.Context, input int) (string, error) {
		return strconv.Itoa(input), nil
	})

	pipeline := Compose3[string, int, int, string](parse, double, render)
	out, err := pipeline.Call(context.Background(), "21")
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	_, err = pipeline.Call(context.Background(), "nope")
	require.Error(t, err)
}

// Compose2 does not invoke the second stage after a failure.
func TestComposeShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	fail := FuncAdapter[Unit, int](func(ctx context.Context, input Unit) (int, error) {
		return 0, boom
	})
	called := false
	next := FuncAdapter[int, int](func(ctx context.Context, input int) (int, error) {
		called = true
		return input, nil
	})

	_, err := Compose2[Unit, int, int](fail, next).Call(context.Background(), Unit{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

// Apply curries a fixed input; ConstFunc lifts a pure value.
func TestApplyAndConst(t *testing.T) {
	length := FuncAdapter[string, int](func(ctx context.Context, input string) (int, error) {
		return len(input), nil
	})

	bound := Apply[string, int](length, "comsrv")
	out, err := bound.Call(context.Background(), Unit{})
	require.NoError(t, err)
	assert.Equal(t, 6, out)

	value, err := ConstFunc(42).Call(context.Background(), Unit{})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}
