package taxchat_test

import (
	"context"
	"testing"

	"github.com/mashiike/taxchat"
	"github.com/stretchr/testify/require"
)

func TestModelProviderRegistry(t *testing.T) {
	reg := taxchat.NewModelProviderRegistry()
	var gotOpts taxchat.ProviderOptions
	newFunc := func(_ context.Context, opts taxchat.ProviderOptions) (taxchat.ModelProvider, error) {
		gotOpts = opts
		return taxchat.ModelProviderFunc(func(_ context.Context, _ *taxchat.ConverseRequest) (taxchat.EventStream, error) {
			return taxchat.EventsOf(taxchat.ContentDelta("pong")), nil
		}), nil
	}
	require.ErrorIs(t, reg.Register("", newFunc), taxchat.ErrModelProviderNameEmpty)
	require.NoError(t, reg.Register("mock", newFunc))
	require.ErrorIs(t, reg.Register("mock", newFunc), taxchat.ErrModelProviderAlreadyRegistered)
	require.NoError(t, reg.Register("another", newFunc))
	require.True(t, reg.Exists("mock"))
	require.False(t, reg.Exists("missing"))
	require.Equal(t, []string{"another", "mock"}, reg.List())

	_, err := reg.New(context.Background(), "missing", taxchat.ProviderOptions{})
	require.ErrorIs(t, err, taxchat.ErrModelProviderNotFound)

	p, err := reg.New(context.Background(), "mock", taxchat.ProviderOptions{Region: "ap-south-1"})
	require.NoError(t, err)
	require.Equal(t, "ap-south-1", gotOpts.Region)
	events, err := p.ConverseStream(context.Background(), &taxchat.ConverseRequest{})
	require.NoError(t, err)
	w := taxchat.NewBatchResponseWriter()
	require.NoError(t, taxchat.Adapt(context.Background(), events, w))
	require.Equal(t, "pong", w.Response().String())
}
