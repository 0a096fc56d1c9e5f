package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"peerprep/collab/internal/api"
	"peerprep/collab/internal/relay"
	"peerprep/collab/internal/store"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-r", "pair", "--set", "", "-w", "2s"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "pair", opts.room)
	assert.Equal(t, "code", opts.key)
	require.NotNil(t, opts.set)
	assert.Equal(t, "", *opts.set)
	assert.Equal(t, 2*time.Second, opts.watch)

	opts, err = parseFlags([]string{"--room", "pair"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Nil(t, opts.set)

	_, err = parseFlags(nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--room")

	_, err = parseFlags([]string{"--help"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}

func TestRunOffline(t *testing.T) {
	t.Setenv("COLLAB_ENDPOINT", "")
	var out bytes.Buffer
	err := run(context.Background(), []string{"--room", "solo", "--set", "print('hi')", "--dump-frame"}, &out)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "room solo as ")
	assert.Contains(t, got, "(connected)")
	assert.Contains(t, got, `code: "print('hi')"`)
	assert.Contains(t, got, "no one else here")
	assert.Contains(t, got, `"t": "hello"`)
}

func TestRunUnreachableRelay(t *testing.T) {
	err := run(context.Background(), []string{"--room", "r", "--endpoint", "ws://127.0.0.1:1/ws/rooms", "--timeout", "2s"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, errConnect)
}

func TestRunThroughRelayPersistsBetweenRuns(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:roomctl%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	require.NoError(t, err)
	snapshots, err := store.NewSQLStore(db)
	require.NoError(t, err)

	h := api.NewHandlers(relay.NewHub(relay.WithStore(snapshots)), nil, []string{"*"})
	r := chi.NewRouter()
	r.Get("/ws/rooms/{room}", h.RoomWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms"

	var first bytes.Buffer
	require.NoError(t, run(context.Background(),
		[]string{"-r", "pair-9", "-e", endpoint, "--set", "shared text", "--name", "Ada"}, &first))
	assert.Contains(t, first.String(), `code: "shared text"`)

	require.Eventually(t, func() bool {
		_, err := snapshots.Load(context.Background(), "pair-9")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	var second bytes.Buffer
	require.NoError(t, run(context.Background(),
		[]string{"-r", "pair-9", "-e", endpoint, "--settle", "2s"}, &second))
	assert.Contains(t, second.String(), `code: "shared text"`)
}
