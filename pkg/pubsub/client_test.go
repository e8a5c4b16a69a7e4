package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/angelmondragon/backoffice-core/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	assert.Equal(t, "projects/acme/topics/events", TopicResourceName("acme", " events "))
	assert.Equal(t, "projects/other/topics/events", TopicResourceName("acme", "projects/other/topics/events"))
	assert.Empty(t, TopicResourceName("acme", ""))
	assert.Empty(t, TopicResourceName("", "events"))
}

func TestNewClientRequiresProjectAndTopic(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{}, config.PubSubConfig{RelayTopic: "events"}, nil)
	assert.ErrorIs(t, err, errProjectIDRequired)

	_, err = NewClient(context.Background(), config.GCPConfig{ProjectID: "acme"}, config.PubSubConfig{}, nil)
	assert.ErrorIs(t, err, errNoRelayTopic)
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.Nil(t, c.Publisher("events"))
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(context.Background()), errNotInitialized)
}

func newTestServerClient(t *testing.T, cfg config.PubSubConfig) (*Client, error) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(context.Background(), config.GCPConfig{ProjectID: "acme"}, cfg, nil, option.WithGRPCConn(conn))
}

func TestNewClientRejectsMissingTopic(t *testing.T) {
	_, err := newTestServerClient(t, config.PubSubConfig{RelayTopic: "events"})
	require.ErrorContains(t, err, `topic "events" does not exist`)
}

func TestNewClientCreatesTopicAndCachesPublisher(t *testing.T) {
	c, err := newTestServerClient(t, config.PubSubConfig{RelayTopic: "events", CreateTopic: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close()) }()

	require.NoError(t, c.Ping(context.Background()))

	first := c.RelayPublisher()
	require.NotNil(t, first)
	assert.Same(t, first, c.Publisher("projects/acme/topics/events"))
}
