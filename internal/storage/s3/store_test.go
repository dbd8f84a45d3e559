package s3

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// fakeAPI is an in-memory S3 bucket that pages ListObjectsV2 one key at a time.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	now     time.Time
	putErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string]fakeObject{}, now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeAPI) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(obj.data)))}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, contentType: aws.ToString(in.ContentType), modified: f.now}
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &awss3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeAPI) ListObjectsV2(_ context.Context, in *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if token := aws.ToString(in.ContinuationToken); token != "" {
		start = sort.SearchStrings(keys, token)
	}
	if start >= len(keys) {
		return &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}, nil
	}
	key := keys[start]
	out := &awss3.ListObjectsV2Output{
		Contents: []types.Object{{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(f.objects[key].data))),
			LastModified: aws.Time(f.objects[key].modified),
		}},
		IsTruncated: aws.Bool(start+1 < len(keys)),
	}
	if start+1 < len(keys) {
		out.NextContinuationToken = aws.String(keys[start+1])
	}
	return out, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(newFakeAPI(), Config{})
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	store, err := New(api, Config{Bucket: "trail-site"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "paths/at.json", trail.JSONContentType, []byte(`{"path":[]}`)))
	got, err := store.Get(ctx, "paths/at.json")
	require.NoError(t, err)
	require.Equal(t, `{"path":[]}`, string(got))

	info, err := store.Stat(ctx, "paths/at.json")
	require.NoError(t, err)
	require.Equal(t, int64(11), info.Size)
	require.Equal(t, trail.JSONContentType, info.ContentType)
	require.True(t, api.now.Equal(info.LastModified))
}

func TestStoreMapsMissingKeys(t *testing.T) {
	t.Parallel()

	store, err := New(newFakeAPI(), Config{Bucket: "trail-site"})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, trail.ErrNotFound)
	_, err = store.Stat(context.Background(), "nope")
	require.ErrorIs(t, err, trail.ErrNotFound)
	require.NoError(t, store.Delete(context.Background(), "nope"))
}

func TestStoreListPages(t *testing.T) {
	t.Parallel()

	store, err := New(newFakeAPI(), Config{Bucket: "trail-site"})
	require.NoError(t, err)
	ctx := context.Background()
	for _, key := range []string{"paths/a.json", "paths/b.json", "paths/c.json", "index.html"} {
		require.NoError(t, store.Put(ctx, key, "", []byte("x")))
	}

	infos, err := store.List(ctx, "paths/")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	require.Equal(t, "paths/c.json", infos[2].Key)
}

func TestStorePutSurfacesErrors(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.putErr = errors.New("throttled")
	store, err := New(api, Config{Bucket: "trail-site"})
	require.NoError(t, err)

	err = store.Put(context.Background(), "k", "", []byte("x"))
	require.ErrorContains(t, err, "throttled")
}
