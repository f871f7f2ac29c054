package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) []option.ClientOption {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return []option.ClientOption{option.WithGRPCConn(conn)}
}

func createTopic(t *testing.T, opts []option.ClientOption, id string) (*pubsub.Client, *pubsub.Subscription) {
	t.Helper()

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, id)
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, id+"-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return client, sub
}

func receiveOne(t *testing.T, sub *pubsub.Subscription) *pubsub.Message {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *pubsub.Message, 1)
	err := sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		m.Ack()
		select {
		case got <- m:
		default:
		}
		cancel()
	})
	require.NoError(t, err)
	return <-got
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	opts := fakeServer(t)
	client, sub := createTopic(t, opts, "runs")

	pub := New(client.Topic("runs"))
	defer pub.Close()

	id, err := pub.Publish(context.Background(), "run.completed", map[string]any{"run_id": "r-1", "listings": 30})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg := receiveOne(t, sub)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.Equal(t, "r-1", body["run_id"])
	require.EqualValues(t, 30, body["listings"])
	require.Equal(t, "run.completed", msg.Attributes[TypeAttribute])
}

func TestPublishPropagatesTraceContext(t *testing.T) {
	opts := fakeServer(t)
	client, sub := createTopic(t, opts, "traced")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	pub := New(client.Topic("traced"))
	defer pub.Close()
	_, err := pub.Publish(ctx, "", "payload")
	require.NoError(t, err)

	msg := receiveOne(t, sub)
	require.Equal(t, `"payload"`, string(msg.Data))
	require.NotContains(t, msg.Attributes, TypeAttribute)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msg.Attributes["traceparent"])
}

func TestDial(t *testing.T) {
	opts := fakeServer(t)
	createTopic(t, opts, "summaries")

	pub, err := Dial(context.Background(), "test-project", "summaries", opts...)
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "run.completed", struct{}{})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestDialMissingTopic(t *testing.T) {
	opts := fakeServer(t)

	_, err := Dial(context.Background(), "test-project", "missing", opts...)
	require.ErrorContains(t, err, "does not exist")
}

func TestPublishUnconfigured(t *testing.T) {
	var pub *Publisher
	_, err := pub.Publish(context.Background(), "x", 1)
	require.Error(t, err)
	require.NoError(t, pub.Close())
}
