package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/chmdznr/instrument-index/pkg/models"
)

// ErrUnknownEventFormat is returned for a payload that is neither a list of
// notifications nor one recognizable event.
var ErrUnknownEventFormat = errors.New("unrecognized event format")

type bucketName struct {
	Name string `json:"name"`
}

type objectKey struct {
	Key string `json:"key"`
}

// event covers the three accepted shapes: an EventBridge object-created
// event, an S3/MinIO bucket notification and a single bare notification.
type event struct {
	Detail *struct {
		Bucket bucketName `json:"bucket"`
		Object objectKey  `json:"object"`
	} `json:"detail"`
	Records []struct {
		S3 struct {
			Bucket bucketName `json:"bucket"`
			Object objectKey  `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// DecodeEvent extracts store-change notifications from raw.
func DecodeEvent(raw []byte) ([]models.Notification, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnknownEventFormat)
	}

	if raw[0] == '[' {
		var list []models.Notification
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownEventFormat, err)
		}
		return list, nil
	}

	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEventFormat, err)
	}
	switch {
	case ev.Records != nil:
		out := make([]models.Notification, 0, len(ev.Records))
		for _, r := range ev.Records {
			out = append(out, models.Notification{Bucket: r.S3.Bucket.Name, Key: r.S3.Object.Key})
		}
		return out, nil
	case ev.Detail != nil && ev.Detail.Object.Key != "":
		return []models.Notification{{Bucket: ev.Detail.Bucket.Name, Key: ev.Detail.Object.Key}}, nil
	case ev.Key != "":
		return []models.Notification{{Bucket: ev.Bucket, Key: ev.Key}}, nil
	}
	return nil, ErrUnknownEventFormat
}

// RecordsEvent builds the S3-style payload DecodeEvent accepts, used to
// forward keys to a remote ingestion endpoint. Keys are query-escaped the way
// S3 escapes them in bucket notifications.
func RecordsEvent(notifications ...models.Notification) ([]byte, error) {
	type record struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket bucketName `json:"bucket"`
			Object objectKey  `json:"object"`
		} `json:"s3"`
	}
	payload := struct {
		Records []record `json:"Records"`
	}{Records: make([]record, len(notifications))}
	for i, n := range notifications {
		payload.Records[i].EventName = "s3:ObjectCreated:Put"
		payload.Records[i].S3.Bucket.Name = n.Bucket
		payload.Records[i].S3.Object.Key = url.QueryEscape(n.Key)
	}
	return json.Marshal(payload)
}
