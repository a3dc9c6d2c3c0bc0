// Package dynamo implements the keeper protocol on DynamoDB, giving
// multiple writer processes a shared announced set and lease-based
// optimization reservations.
package dynamo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/arejula27/otree/core"
	"github.com/arejula27/otree/keeper"
	"github.com/arejula27/otree/model"
)

// Client is the interface for DynamoDB operations.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Options configures the DynamoDB keeper.
type Options struct {
	// LeaseDuration bounds how long an optimization reservation survives a
	// crashed process before other sessions may steal its cubes.
	LeaseDuration time.Duration
}

// DefaultOptions holds the default keeper options.
var DefaultOptions = Options{
	LeaseDuration: 5 * time.Minute,
}

// Keeper implements keeper.Keeper backed by a DynamoDB table. Announcement
// uses set unions, which DynamoDB applies atomically, so the announced set
// is a monotonic union across all processes. Reservations are conditional
// puts of lease items; a crashed optimizer's leases expire after
// LeaseDuration.
//
// Table schema:
//   - Partition key: table_revision (string) - "<table>#<revision>"
//   - Sort key: item (string) - "STATE" for the announced and replicated
//     sets, "LEASE#<cube>" for one reservation
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name otree-keeper \
//	  --attribute-definitions AttributeName=table_revision,AttributeType=S AttributeName=item,AttributeType=S \
//	  --key-schema AttributeName=table_revision,KeyType=HASH AttributeName=item,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
//
// Enabling TTL on expires_at garbage collects expired leases; the keeper
// does not depend on it.
type Keeper struct {
	client    Client
	tableName string
	opts      Options
	now       func() time.Time
}

const (
	stateItem   = "STATE"
	leasePrefix = "LEASE#"

	// Binary set members must be non-empty, so every encoded cube carries
	// this tag byte in front of its digit path.
	cubeTag = 'c'
)

// New creates a DynamoDB keeper on the given table.
func New(client Client, tableName string, optFns ...func(o *Options)) *Keeper {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Keeper{
		client:    client,
		tableName: tableName,
		opts:      opts,
		now:       time.Now,
	}
}

// BeginWrite implements keeper.Keeper.
func (k *Keeper) BeginWrite(ctx context.Context, table model.TableID, revisionID int64) (*keeper.WriteSession, error) {
	announced, _, err := k.readState(ctx, partitionKey(table, revisionID))
	if err != nil {
		return nil, err
	}

	return keeper.NewWriteSession(uuid.New(), announced, func(ctx context.Context) error {
		return ctx.Err()
	}), nil
}

// Announce implements keeper.Keeper.
func (k *Keeper) Announce(ctx context.Context, table model.TableID, revisionID int64, cubes []core.CubeID) error {
	if len(cubes) == 0 {
		return nil
	}

	_, err := k.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(k.tableName),
		Key:              stateKey(partitionKey(table, revisionID)),
		UpdateExpression: aws.String("ADD announced :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberBS{Value: encodeCubeSet(cubes)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to announce cubes: %w", err)
	}

	return nil
}

// BeginOptimization implements keeper.Keeper.
func (k *Keeper) BeginOptimization(ctx context.Context, table model.TableID, revisionID int64, cubeLimit int) (*keeper.OptimizationSession, error) {
	id := uuid.New()
	pk := partitionKey(table, revisionID)

	announced, replicated, err := k.readState(ctx, pk)
	if err != nil {
		return nil, err
	}

	var reserved []core.CubeID
	for _, c := range announced.Sorted() {
		if len(reserved) >= cubeLimit {
			break
		}
		if replicated.Contains(c) {
			continue
		}
		ok, err := k.acquireLease(ctx, pk, c, id)
		if err != nil {
			return nil, err
		}
		if ok {
			reserved = append(reserved, c)
		}
	}

	return keeper.NewOptimizationSession(id, reserved, func(ctx context.Context, replicated []core.CubeID) error {
		return k.endOptimization(ctx, pk, id, reserved, replicated)
	}), nil
}

// acquireLease reserves one cube for the session. A held, unexpired lease
// makes the conditional put fail, which reports the cube as taken.
func (k *Keeper) acquireLease(ctx context.Context, pk string, cube core.CubeID, session uuid.UUID) (bool, error) {
	expires := k.now().Add(k.opts.LeaseDuration).Unix()

	_, err := k.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(k.tableName),
		Item: map[string]types.AttributeValue{
			"table_revision": &types.AttributeValueMemberS{Value: pk},
			"item":           &types.AttributeValueMemberS{Value: leasePrefix + hex.EncodeToString([]byte(cube))},
			"session_id":     &types.AttributeValueMemberS{Value: session.String()},
			"expires_at":     &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(session_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(k.now().Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	return true, nil
}

// endOptimization records the replicated cubes and releases the session's
// leases. A lease that expired and was stolen belongs to its new owner and
// is left alone.
func (k *Keeper) endOptimization(ctx context.Context, pk string, session uuid.UUID, reserved, replicated []core.CubeID) error {
	if len(replicated) > 0 {
		_, err := k.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(k.tableName),
			Key:              stateKey(pk),
			UpdateExpression: aws.String("ADD replicated :c"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c": &types.AttributeValueMemberBS{Value: encodeCubeSet(replicated)},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to record replicated cubes: %w", err)
		}
	}

	for _, c := range reserved {
		_, err := k.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(k.tableName),
			Key: map[string]types.AttributeValue{
				"table_revision": &types.AttributeValueMemberS{Value: pk},
				"item":           &types.AttributeValueMemberS{Value: leasePrefix + hex.EncodeToString([]byte(c))},
			},
			ConditionExpression: aws.String("session_id = :sid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sid": &types.AttributeValueMemberS{Value: session.String()},
			},
		})
		if err != nil {
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				continue
			}
			return fmt.Errorf("failed to release lease: %w", err)
		}
	}

	return nil
}

// readState loads the announced and replicated sets for one revision.
func (k *Keeper) readState(ctx context.Context, pk string) (announced, replicated model.CubeSet, err error) {
	resp, err := k.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(k.tableName),
		Key:            stateKey(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read keeper state: %w", err)
	}

	announced, err = decodeCubeSet(resp.Item["announced"])
	if err != nil {
		return nil, nil, err
	}

	replicated, err = decodeCubeSet(resp.Item["replicated"])
	if err != nil {
		return nil, nil, err
	}

	return announced, replicated, nil
}

func partitionKey(table model.TableID, revisionID int64) string {
	return fmt.Sprintf("%s#%d", table, revisionID)
}

func stateKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"table_revision": &types.AttributeValueMemberS{Value: pk},
		"item":           &types.AttributeValueMemberS{Value: stateItem},
	}
}

func encodeCubeSet(cubes []core.CubeID) [][]byte {
	seen := make(map[core.CubeID]struct{}, len(cubes))
	out := make([][]byte, 0, len(cubes))

	for _, c := range cubes {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, append([]byte{cubeTag}, string(c)...))
	}

	return out
}

func decodeCubeSet(attr types.AttributeValue) (model.CubeSet, error) {
	set := model.NewCubeSet()
	if attr == nil {
		return set, nil
	}

	bs, ok := attr.(*types.AttributeValueMemberBS)
	if !ok {
		return nil, errors.New("invalid cube set attribute in DynamoDB")
	}

	for _, b := range bs.Value {
		if len(b) == 0 || b[0] != cubeTag || len(b)-1 > core.MaxTreeDepth {
			return nil, errors.New("invalid cube encoding in DynamoDB")
		}
		set.Add(core.CubeID(b[1:]))
	}

	return set, nil
}

var _ keeper.Keeper = (*Keeper)(nil)
