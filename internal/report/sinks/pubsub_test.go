package sinks

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubSinkPublishesFailures(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "trailnotes-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "job-runs")
	require.NoError(t, err)

	sink, err := NewPubSubSink(topic, false, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(ctx, sampleBatch()))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "deadman", msgs[0].Attributes["job"])
	require.Equal(t, "restore_failed", msgs[0].Attributes["kind"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "r3", body["id"])
	require.InDelta(t, 1000.0, body["duration_ms"], 1e-9)
}

func TestPubSubSinkRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubSink(nil, true, nil)
	require.Error(t, err)
}
