package models

import "time"

// Object is a single entry of an object store listing
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Notification names one object that changed in the store.
type Notification struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}
