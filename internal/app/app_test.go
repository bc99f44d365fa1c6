package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"market-chat/internal/config"
	"market-chat/internal/lock"
)

func TestOpenLocker_LocalWithoutURL(t *testing.T) {
	a := &App{}
	l, err := a.openLocker(context.Background(), "")
	require.NoError(t, err)
	require.IsType(t, &lock.Local{}, l)
	require.Empty(t, a.closers)
}

func TestOpenLocker_RejectsBadURL(t *testing.T) {
	a := &App{}
	_, err := a.openLocker(context.Background(), "not-a-redis-url")
	require.Error(t, err)
}

func TestOpenStore_UsesDynamoFactory(t *testing.T) {
	a := &App{}
	called := false
	_, err := a.openStore(context.Background(), config.Config{Storage: config.StorageDynamoDB}, func() (store, error) {
		called = true
		return nil, errors.New("no table")
	})
	require.Error(t, err)
	require.True(t, called)
}

func TestOpenStore_UnknownStorage(t *testing.T) {
	a := &App{}
	_, err := a.openStore(context.Background(), config.Config{Storage: "sqlite"}, nil)
	require.Error(t, err)
}

func TestClose_RunsInReverse(t *testing.T) {
	var order []int
	a := &App{closers: []func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}}
	a.Close()
	a.Close()
	require.Equal(t, []int{2, 1}, order)
}
