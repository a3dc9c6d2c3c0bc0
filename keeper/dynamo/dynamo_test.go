package dynamo

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/model"
)

const testTable = model.TableID("events")

// mockClient is an in-memory DynamoDB mock that evaluates the condition
// expressions the keeper uses.
type mockClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockClient() *mockClient {
	return &mockClient{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(attrs map[string]types.AttributeValue) string {
	pk := attrs["table_revision"].(*types.AttributeValueMemberS).Value
	sk := attrs["item"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func numAttr(attr types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(attr.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (m *mockClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.items[itemKey(params.Key)]; ok {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(params.Item)

	if params.ConditionExpression != nil {
		if *params.ConditionExpression != "attribute_not_exists(session_id) OR expires_at < :now" {
			panic("unexpected condition: " + *params.ConditionExpression)
		}
		if existing, ok := m.items[key]; ok {
			now := numAttr(params.ExpressionAttributeValues[":now"])
			if numAttr(existing["expires_at"]) >= now {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
			}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var attr string
	switch *params.UpdateExpression {
	case "ADD announced :c":
		attr = "announced"
	case "ADD replicated :c":
		attr = "replicated"
	default:
		panic("unexpected update: " + *params.UpdateExpression)
	}

	key := itemKey(params.Key)
	item, ok := m.items[key]
	if !ok {
		item = map[string]types.AttributeValue{
			"table_revision": params.Key["table_revision"],
			"item":           params.Key["item"],
		}
		m.items[key] = item
	}

	var members [][]byte
	if existing, ok := item[attr].(*types.AttributeValueMemberBS); ok {
		members = existing.Value
	}
	for _, add := range params.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberBS).Value {
		dup := false
		for _, have := range members {
			if bytes.Equal(have, add) {
				dup = true
				break
			}
		}
		if !dup {
			members = append(members, add)
		}
	}
	item[attr] = &types.AttributeValueMemberBS{Value: members}

	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(params.Key)

	if params.ConditionExpression != nil {
		if *params.ConditionExpression != "session_id = :sid" {
			panic("unexpected condition: " + *params.ConditionExpression)
		}
		existing, ok := m.items[key]
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
		want := params.ExpressionAttributeValues[":sid"].(*types.AttributeValueMemberS).Value
		if existing["session_id"].(*types.AttributeValueMemberS).Value != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	delete(m.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockClient) leaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.items {
		if bytes.Contains([]byte(key), []byte("|"+leasePrefix)) {
			n++
		}
	}
	return n
}

func childCubes(n int) []core.CubeID {
	cubes := make([]core.CubeID, 0, n)
	for i := 0; i < n; i++ {
		cubes = append(cubes, core.RootCube().Child(byte(i)))
	}
	return cubes
}

func TestAnnounceUnionsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	ddb := newMockClient()

	k1 := New(ddb, "otree-keeper")
	k2 := New(ddb, "otree-keeper")

	require.NoError(t, k1.Announce(ctx, testTable, 1, childCubes(2)))
	require.NoError(t, k2.Announce(ctx, testTable, 1, []core.CubeID{core.RootCube(), core.RootCube().Child(1)}))

	s, err := k1.BeginWrite(ctx, testTable, 1)
	require.NoError(t, err)
	defer s.End(ctx)

	want := model.NewCubeSet()
	want.Add(core.RootCube())
	want.Add(core.RootCube().Child(0))
	want.Add(core.RootCube().Child(1))
	assert.Equal(t, want, s.Announced)
}

func TestOptimizationLeases(t *testing.T) {
	ctx := context.Background()
	ddb := newMockClient()
	k := New(ddb, "otree-keeper")

	eligible := childCubes(8)
	require.NoError(t, k.Announce(ctx, testTable, 1, eligible))

	first, err := k.BeginOptimization(ctx, testTable, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, eligible[:5], first.CubesToOptimize)

	// A second process skips the leased cubes.
	second, err := New(ddb, "otree-keeper").BeginOptimization(ctx, testTable, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, eligible[5:], second.CubesToOptimize)

	third, err := k.BeginOptimization(ctx, testTable, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, third.CubesToOptimize)

	require.NoError(t, first.End(ctx, first.CubesToOptimize))
	require.NoError(t, second.End(ctx, second.CubesToOptimize))
	assert.Zero(t, ddb.leaseCount(), "End releases all leases")

	// Everything is replicated now.
	again, err := k.BeginOptimization(ctx, testTable, 1, 8)
	require.NoError(t, err)
	assert.Empty(t, again.CubesToOptimize)
}

func TestOptimizationPartialReplication(t *testing.T) {
	ctx := context.Background()
	ddb := newMockClient()
	k := New(ddb, "otree-keeper")

	cubes := childCubes(4)
	require.NoError(t, k.Announce(ctx, testTable, 1, cubes))

	s, err := k.BeginOptimization(ctx, testTable, 1, 4)
	require.NoError(t, err)
	require.NoError(t, s.End(ctx, cubes[:2]))

	retry, err := k.BeginOptimization(ctx, testTable, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, cubes[2:], retry.CubesToOptimize)
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	ctx := context.Background()
	ddb := newMockClient()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	crashed := New(ddb, "otree-keeper")
	crashed.now = func() time.Time { return start }

	cubes := childCubes(2)
	require.NoError(t, crashed.Announce(ctx, testTable, 1, cubes))

	stuck, err := crashed.BeginOptimization(ctx, testTable, 1, 2)
	require.NoError(t, err)
	require.Len(t, stuck.CubesToOptimize, 2)

	// Before expiry the leases hold.
	early := New(ddb, "otree-keeper")
	early.now = func() time.Time { return start.Add(time.Minute) }
	blocked, err := early.BeginOptimization(ctx, testTable, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, blocked.CubesToOptimize)

	// After expiry another process steals them.
	late := New(ddb, "otree-keeper")
	late.now = func() time.Time { return start.Add(10 * time.Minute) }
	stealer, err := late.BeginOptimization(ctx, testTable, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, cubes, stealer.CubesToOptimize)

	// The crashed session's late End must not release the stolen leases.
	require.NoError(t, stuck.End(ctx, nil))
	assert.Equal(t, 2, ddb.leaseCount())

	require.NoError(t, stealer.End(ctx, stealer.CubesToOptimize))
	assert.Zero(t, ddb.leaseCount())
}

func TestReadStateRejectsCorruptAttributes(t *testing.T) {
	ctx := context.Background()
	ddb := newMockClient()
	k := New(ddb, "otree-keeper")

	ddb.items["events#1|STATE"] = map[string]types.AttributeValue{
		"table_revision": &types.AttributeValueMemberS{Value: "events#1"},
		"item":           &types.AttributeValueMemberS{Value: stateItem},
		"announced":      &types.AttributeValueMemberS{Value: "not a set"},
	}

	_, err := k.BeginWrite(ctx, testTable, 1)
	require.Error(t, err)
}

func TestIntegration_Keeper(t *testing.T) {
	tableName := os.Getenv("OTREE_DDB_TABLE")
	if tableName == "" {
		t.Skip("Skipping DynamoDB integration test: OTREE_DDB_TABLE not set")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err)
	k := New(dynamodb.NewFromConfig(cfg), tableName)

	// A fresh revision id keeps runs isolated on a shared table.
	revisionID := time.Now().UnixNano()

	cubes := childCubes(3)
	require.NoError(t, k.Announce(ctx, testTable, revisionID, cubes))

	ws, err := k.BeginWrite(ctx, testTable, revisionID)
	require.NoError(t, err)
	for _, c := range cubes {
		assert.True(t, ws.Announced.Contains(c))
	}
	require.NoError(t, ws.End(ctx))

	first, err := k.BeginOptimization(ctx, testTable, revisionID, 2)
	require.NoError(t, err)
	require.Len(t, first.CubesToOptimize, 2)

	second, err := k.BeginOptimization(ctx, testTable, revisionID, 2)
	require.NoError(t, err)
	require.Len(t, second.CubesToOptimize, 1)

	require.NoError(t, first.End(ctx, first.CubesToOptimize))
	require.NoError(t, second.End(ctx, nil))

	// The released cube is reservable again, the replicated ones are not.
	again, err := k.BeginOptimization(ctx, testTable, revisionID, 3)
	require.NoError(t, err)
	assert.Equal(t, second.CubesToOptimize, again.CubesToOptimize)
	require.NoError(t, again.End(ctx, nil))
}
