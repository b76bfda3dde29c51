package service

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type helloSnapshot struct {
	serverName string
}

type requestCounter struct {
	n int
}

func TestExtensionsInsertGet(t *testing.T) {
	ext := NewExtensions()

	_, ok := Get[helloSnapshot](ext)
	assert.False(t, ok, "empty store should not contain a value")

	prev, replaced := Insert(ext, helloSnapshot{serverName: "example.com"})
	assert.False(t, replaced)
	assert.Equal(t, helloSnapshot{}, prev)

	got, ok := Get[helloSnapshot](ext)
	require.True(t, ok)
	assert.Equal(t, "example.com", got.serverName)

	// Second insert of the same type returns the first value as previous.
	prev, replaced = Insert(ext, helloSnapshot{serverName: "other.test"})
	assert.True(t, replaced)
	assert.Equal(t, "example.com", prev.serverName)

	got, ok = Get[helloSnapshot](ext)
	require.True(t, ok)
	assert.Equal(t, "other.test", got.serverName)
}

func TestExtensionsDistinctTypes(t *testing.T) {
	ext := NewExtensions()
	Insert(ext, helloSnapshot{serverName: "a"})
	Insert(ext, requestCounter{n: 3})

	hello, ok := Get[helloSnapshot](ext)
	require.True(t, ok)
	counter, ok2 := Get[requestCounter](ext)
	require.True(t, ok2)

	assert.Equal(t, "a", hello.serverName)
	assert.Equal(t, 3, counter.n)
	assert.Equal(t, 2, ext.Len())
}

func TestExtensionsRemove(t *testing.T) {
	ext := NewExtensions()
	Insert(ext, helloSnapshot{serverName: "a"})
	Insert(ext, requestCounter{n: 1})

	removed, ok := Remove[helloSnapshot](ext)
	require.True(t, ok)
	assert.Equal(t, "a", removed.serverName)
	assert.Equal(t, 1, ext.Len())

	_, ok = Get[helloSnapshot](ext)
	assert.False(t, ok)

	// Removing an absent type is a no-op.
	_, ok = Remove[helloSnapshot](ext)
	assert.False(t, ok)
	assert.Equal(t, 1, ext.Len())
}

func TestGetOrTryInsertWithComputesOnce(t *testing.T) {
	ext := NewExtensions()
	calls := 0

	v, err := GetOrTryInsertWith(ext, func() (requestCounter, error) {
		calls++
		return requestCounter{n: 7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v.n)

	v, err = GetOrTryInsertWith(ext, func() (requestCounter, error) {
		calls++
		return requestCounter{n: 99}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v.n, "second call must return the stored value")
	assert.Equal(t, 1, calls, "compute must run at most once")
}

func TestGetOrTryInsertWithError(t *testing.T) {
	ext := NewExtensions()
	wantErr := errors.New("no authority in request")

	_, err := GetOrTryInsertWith(ext, func() (requestCounter, error) {
		return requestCounter{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// A failed compute must not insert anything.
	_, ok := Get[requestCounter](ext)
	assert.False(t, ok)

	// A later successful compute still runs.
	v, err := GetOrTryInsertWith(ext, func() (requestCounter, error) {
		return requestCounter{n: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.n)
}

func TestContextConnInfo(t *testing.T) {
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	remote := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 51333}

	cx := NewContext(context.Background(), ConnInfo{ID: 42, LocalAddr: local, RemoteAddr: remote})
	assert.Equal(t, int64(42), cx.Conn().ID)
	assert.Equal(t, "192.0.2.10", cx.Conn().ClientIP())
	assert.NotNil(t, cx.Extensions())
	assert.NotNil(t, cx.Context())
}

func TestContextObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cx := NewContext(ctx, ConnInfo{ID: 1})

	select {
	case <-cx.Done():
		t.Fatal("context should not be done yet")
	default:
	}

	cancel()
	select {
	case <-cx.Done():
	default:
		t.Fatal("context should be done after cancel")
	}
}
