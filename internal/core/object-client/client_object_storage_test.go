package objectclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://my-bucket.s3.us-east-2.amazonaws.com/u1/d1/file.pdf", "u1/d1/file.pdf"},
		{"u1/d1/file.pdf", "u1/d1/file.pdf"},
		{"https://my-bucket.s3.us-east-2.amazonaws.com", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, objectKey(tt.in), tt.in)
	}
}

func TestProcessedKey(t *testing.T) {
	assert.Equal(t, "processed/d1.md", processedKey("d1"))
}
