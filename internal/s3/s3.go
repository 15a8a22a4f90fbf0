package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/goccy/go-json"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrInvalidSource = errors.New("invalid video source")

type Client struct {
	client       *minio.Client
	eventsBucket string
}

func NewMinioClient(endpoint, accessKey, secretKey, eventsBucket string) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client, eventsBucket: eventsBucket}, nil
}

// ParseSource splits a frame folder URL (http://host/bucket/folder) into its
// bucket and prefix.
func ParseSource(source string) (bucket, prefix string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}

	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket/folder path", ErrInvalidSource, source)
	}
	return parts[0], parts[1], nil
}

// ListFrames returns the object keys of every frame under source, in name
// order.
func (c *Client) ListFrames(ctx context.Context, source string) (string, []string, error) {
	bucket, prefix, err := ParseSource(source)
	if err != nil {
		return "", nil, err
	}

	var keys []string
	for object := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return "", nil, fmt.Errorf("list frames: %w", object.Err)
		}
		// skip folder markers
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		keys = append(keys, object.Key)
	}

	sort.Strings(keys)
	return bucket, keys, nil
}

func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

// EventsObject is the archive key of one second of a feed.
func EventsObject(feedID string, second int64) string {
	return fmt.Sprintf("%s/%d.json", feedID, second)
}

// SaveEvents archives the events of one second. Later ticks of the same
// second overwrite the object with the merged set.
func (c *Client) SaveEvents(ctx context.Context, feedID string, second int64, events []models.VideoEvent) error {
	if len(events) == 0 {
		return nil
	}
	jsonData, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = c.client.PutObject(
		ctx,
		c.eventsBucket,
		EventsObject(feedID, second),
		bytes.NewReader(jsonData),
		int64(len(jsonData)),
		minio.PutObjectOptions{
			ContentType: "application/json",
		},
	)
	if err != nil {
		return fmt.Errorf("failed to save events to S3: %w", err)
	}
	return nil
}

// LoadEvents reads one archived second. A missing object yields no events.
func (c *Client) LoadEvents(ctx context.Context, feedID string, second int64) ([]models.VideoEvent, error) {
	data, err := c.GetObject(ctx, c.eventsBucket, EventsObject(feedID, second))
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, err
	}

	var events []models.VideoEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode archived events: %w", err)
	}
	return events, nil
}

// LastArchivedSecond returns the highest archived second of a feed, false if
// nothing was archived yet.
func (c *Client) LastArchivedSecond(ctx context.Context, feedID string) (int64, bool, error) {
	var (
		last  int64
		found bool
	)
	for object := range c.client.ListObjects(ctx, c.eventsBucket, minio.ListObjectsOptions{
		Prefix:    feedID + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return 0, false, fmt.Errorf("error listing objects: %w", object.Err)
		}
		sec, ok := SecondFromObject(object.Key)
		if !ok {
			continue
		}
		if !found || sec > last {
			last, found = sec, true
		}
	}
	return last, found, nil
}

// SecondFromObject parses the second out of an archive key.
func SecondFromObject(key string) (int64, bool) {
	base := path.Base(key)
	if !strings.HasSuffix(base, ".json") {
		return 0, false
	}
	sec, err := strconv.ParseInt(strings.TrimSuffix(base, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return sec, true
}
