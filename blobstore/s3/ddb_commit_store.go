package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/apcluster/blobstore"
)

// currentName is the pointer blob archive.Publisher writes last.
const currentName = "CURRENT"

// ErrConcurrentPublish is returned by Put when another publisher committed
// the same pointer version first.
var ErrConcurrentPublish = errors.New("s3: concurrent publish of CURRENT")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Commit is one published CURRENT pointer.
type Commit struct {
	Version uint64
	// Tier is parsed from the manifest path, 0 if it has another form.
	Tier        int
	Manifest    string
	CommittedAt time.Time
}

// DDBCommitStore is an archive target on S3 whose CURRENT pointer lives in
// DynamoDB.
//
// Tier payloads and manifests go to S3. Every Put of CURRENT appends the
// next version under the store's base URI with a conditional write, so two
// drivers archiving into the same prefix fail loudly instead of racing on
// one object, and the table keeps the publication history.
//
// Table schema: partition key base_uri (S), sort key version (N).
//
//	aws dynamodb create-table \
//	  --table-name apcluster-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	blobs   *Store
	ddb     DDBClient
	table   string
	baseURI string
	now     func() time.Time
}

// NewDDBCommitStore wraps blobs. baseURI, usually "s3://bucket/prefix",
// partitions the table between archives.
func NewDDBCommitStore(blobs *Store, ddb DDBClient, table, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		blobs:   blobs,
		ddb:     ddb,
		table:   table,
		baseURI: baseURI,
		now:     time.Now,
	}
}

// Open implements blobstore.BlobStore. CURRENT is served from the latest
// commit.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != currentName {
		return s.blobs.Open(ctx, name)
	}
	c, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("s3: %s: %w", currentName, blobstore.ErrNotFound)
	}
	return &pointerBlob{r: bytes.NewReader([]byte(c.Manifest))}, nil
}

// Put implements blobstore.BlobStore. CURRENT is committed to DynamoDB.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != currentName {
		return s.blobs.Put(ctx, name, data)
	}
	return s.commit(ctx, string(data))
}

// Delete implements blobstore.BlobStore. The commit history is kept.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	return s.blobs.Delete(ctx, name)
}

// List implements blobstore.BlobStore over the S3 objects.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.blobs.List(ctx, prefix)
}

// Latest returns the newest commit, or nil if nothing was published.
func (s *DDBCommitStore) Latest(ctx context.Context) (*Commit, error) {
	out, err := s.ddb.Query(ctx, s.query(false, 1, nil))
	if err != nil {
		return nil, fmt.Errorf("s3: query commits: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	c, err := decodeCommit(out.Items[0])
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// History returns every commit in version order.
func (s *DDBCommitStore) History(ctx context.Context) ([]Commit, error) {
	var (
		commits []Commit
		start   map[string]types.AttributeValue
	)
	for {
		out, err := s.ddb.Query(ctx, s.query(true, 0, start))
		if err != nil {
			return nil, fmt.Errorf("s3: query commits: %w", err)
		}
		for _, item := range out.Items {
			c, err := decodeCommit(item)
			if err != nil {
				return nil, err
			}
			commits = append(commits, c)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return commits, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *DDBCommitStore) query(ascending bool, limit int32, start map[string]types.AttributeValue) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward:  aws.Bool(ascending),
		ConsistentRead:    aws.Bool(true),
		ExclusiveStartKey: start,
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	return in
}

func (s *DDBCommitStore) commit(ctx context.Context, manifest string) error {
	var next uint64 = 1
	latest, err := s.Latest(ctx)
	if err != nil {
		return err
	}
	if latest != nil {
		next = latest.Version + 1
	}

	item := map[string]types.AttributeValue{
		"base_uri":      &types.AttributeValueMemberS{Value: s.baseURI},
		"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
		"manifest_path": &types.AttributeValueMemberS{Value: manifest},
		"committed_at":  &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
	}
	if tier := tierOf(manifest); tier > 0 {
		item["tier"] = &types.AttributeValueMemberN{Value: strconv.Itoa(tier)}
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	var conflict *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &conflict):
		return fmt.Errorf("%w: version %d", ErrConcurrentPublish, next)
	case err != nil:
		return fmt.Errorf("s3: commit %s: %w", manifest, err)
	}
	return nil
}

// tierOf extracts t from a manifest path of the form tier-<t>/manifest.json.
func tierOf(manifest string) int {
	var t int
	if _, err := fmt.Sscanf(manifest, "tier-%d/", &t); err != nil {
		return 0
	}
	return t
}

func decodeCommit(item map[string]types.AttributeValue) (Commit, error) {
	var c Commit
	v, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return c, errors.New("s3: commit without version")
	}
	version, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return c, fmt.Errorf("s3: commit version %q: %w", v.Value, err)
	}
	path, ok := item["manifest_path"].(*types.AttributeValueMemberS)
	if !ok {
		return c, fmt.Errorf("s3: commit %d without manifest_path", version)
	}
	c.Version, c.Manifest = version, path.Value
	c.Tier = tierOf(path.Value)
	if at, ok := item["committed_at"].(*types.AttributeValueMemberS); ok {
		c.CommittedAt, _ = time.Parse(time.RFC3339Nano, at.Value)
	}
	return c, nil
}

type pointerBlob struct {
	r *bytes.Reader
}

func (b *pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return b.r.ReadAt(p, off)
}

func (b *pointerBlob) Close() error { return nil }

func (b *pointerBlob) Size() int64 { return b.r.Size() }
