package runtime

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/voxedit/internal/bus"
	"github.com/loqalabs/voxedit/internal/config"
	"github.com/loqalabs/voxedit/internal/natsserver"
	"github.com/loqalabs/voxedit/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsStreamRelaysBus(t *testing.T) {
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	r := &Runtime{bus: client, logger: newLogger()}
	srv := httptest.NewServer(http.HandlerFunc(r.handleEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, client.PublishJSON(protocol.SubjectLetterFocus, protocol.LetterFocus{Index: 2}))

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: editor.letter.focus\n", event)
	assert.True(t, strings.HasPrefix(data, `data: {"index":2}`), data)
}
