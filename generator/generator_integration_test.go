//go:build integration

package generator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/model"
	"github.com/pybrook/pybrook/wire"
)

func compiledSum(t *testing.T) *model.CompiledModel {
	t.Helper()
	def := model.ModelDef{
		Inputs: []model.InputReport{{
			Name:    "report",
			IDField: "id",
			Fields:  []model.Field{{Name: "a"}, {Name: "b"}},
		}},
		Fields: []model.FieldDef{
			model.RegisterField("sum", model.CurrentDeps("a", "b"),
				func(_ context.Context, cur model.Values, _ model.History) (any, error) {
					a, _ := cur.GetFloat64("a")
					b, _ := cur.GetFloat64("b")
					return a + b, nil
				}),
		},
	}
	compiled, err := model.Compile(def)
	require.NoError(t, err)
	return compiled
}

func TestRole_RunCompute_PublishesOnceAllDepsArrive(t *testing.T) {
	compiled := compiledSum(t)
	field := compiled.Fields["sum"]

	testClient := broker.NewTestClient(t, broker.WithKV())
	client := testClient.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "test-gen-state", History: 1})
	require.NoError(t, err)
	kv := client.NewKVStore(bucket)

	role, err := New(client, field, compiled, kv, ':')
	require.NoError(t, err)
	require.NoError(t, role.Initialize(ctx))
	require.NoError(t, role.Start(ctx))
	defer role.Stop(5 * time.Second)

	dataA, err := wire.EncodeFieldValue("V1:1", json.RawMessage("2"))
	require.NoError(t, err)
	_, err = client.Append(ctx, "report:a", dataA)
	require.NoError(t, err)

	dataB, err := wire.EncodeFieldValue("V1:1", json.RawMessage("3"))
	require.NoError(t, err)
	_, err = client.Append(ctx, "report:b", dataB)
	require.NoError(t, err)

	require.NoError(t, client.CreateOrUpdateGroup(ctx, "sum", "test-reader", 30*time.Second))
	var records []broker.Record
	require.Eventually(t, func() bool {
		records, err = client.ReadGroup(ctx, "sum", "test-reader", 1, time.Second)
		return err == nil && len(records) == 1
	}, 5*time.Second, 100*time.Millisecond)

	messageID, value, err := wire.DecodeFieldValueRaw(records[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "V1:1", messageID)
	var sum float64
	require.NoError(t, json.Unmarshal(value, &sum))
	assert.Equal(t, 5.0, sum)
}
