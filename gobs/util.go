// Copyright (c) 2023 BVK Chaitanya

package gobs

// KeyValue holds one raw database item in backup files.
type KeyValue struct {
	Key   string
	Value []byte
}
