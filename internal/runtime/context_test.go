package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetResponseHeaderRejectsCRLF(t *testing.T) {
	ctx := &ExecutionContext{}
	err := ctx.SetResponseHeader("X-Test", "value\r\ninjected")
	require.ErrorIs(t, err, errHeaderInjection)
	require.Empty(t, ctx.ResponseHeaders)
}

func TestSetResponseHeaderReplacesExisting(t *testing.T) {
	ctx := &ExecutionContext{}
	require.NoError(t, ctx.SetResponseHeader("X-Test", "a"))
	require.NoError(t, ctx.SetResponseHeader("x-test", "b"))
	require.Len(t, ctx.ResponseHeaders, 1)
	require.Equal(t, "b", ctx.ResponseHeaders[0].Value)
}

func TestAddResponseHeaderAllowsDuplicates(t *testing.T) {
	ctx := &ExecutionContext{}
	require.NoError(t, ctx.AddResponseHeader("Set-Cookie", "a=1"))
	require.NoError(t, ctx.AddResponseHeader("Set-Cookie", "b=2"))
	require.Len(t, ctx.ResponseHeaders, 2)
}

func TestRemoveResponseHeader(t *testing.T) {
	ctx := &ExecutionContext{}
	ctx.SetResponseHeader("X-A", "1")
	ctx.AddResponseHeader("X-B", "2")
	ctx.RemoveResponseHeader("x-a")
	require.Len(t, ctx.ResponseHeaders, 1)
	require.Equal(t, "X-B", ctx.ResponseHeaders[0].Name)
}

func TestTerminateSetsFlagAndStatus(t *testing.T) {
	ctx := &ExecutionContext{}
	ctx.Terminate(403)
	require.True(t, ctx.TerminateEarly)
	require.Equal(t, 403, ctx.ResponseStatus)
}

func TestHeaderValueCaseInsensitive(t *testing.T) {
	ctx := &ExecutionContext{RequestHeaders: []Header{{Name: "Content-Type", Value: "json"}}}
	v, ok := ctx.HeaderValue("content-type")
	require.True(t, ok)
	require.Equal(t, "json", v)
}
